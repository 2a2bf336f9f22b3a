package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskResult_IsSuccess(t *testing.T) {
	assert.True(t, ResultInstallSuccess.IsSuccess())
	assert.True(t, ResultPackageNotFound.IsSuccess())
	assert.True(t, ResultDownloadCleanupFailed.IsSuccess())
	assert.False(t, ResultCancelled.IsSuccess())
	assert.False(t, ResultNoDeviceConnection.IsSuccess())
	assert.False(t, ResultNone.IsSuccess())
}

func TestTaskState_Terminal(t *testing.T) {
	assert.False(t, TaskCreated.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestBackup_Contents(t *testing.T) {
	assert.Equal(t, "Apk, Obb, Data", Backup{ContainsApk: true, ContainsObb: true, ContainsPrivateData: true}.Contents())
	assert.Equal(t, "Data", Backup{ContainsSharedData: true}.Contents())
	assert.Empty(t, Backup{}.Contents())
}
