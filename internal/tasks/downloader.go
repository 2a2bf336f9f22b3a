package tasks

import (
	"context"

	"github.com/TinkerUp/sideload-core/types/models"
)

// Downloader is the content collaborator. DownloadGame and DownloadAddon
// report stats through progress while they run and return the local path of
// the downloaded content. Errors caused by a lack of local disk space match
// errs.ErrInsufficientDisk.
type Downloader interface {
	SizeBytes(ctx context.Context, game models.Game) (int64, error)
	DownloadGame(ctx context.Context, game models.Game, progress func(models.DownloadStats)) (string, error)
	Upload(ctx context.Context, localPath string) error
	DownloadAddon(ctx context.Context, progress func(models.DownloadStats)) (string, error)
}
