package tasks

import (
	"math"

	"github.com/dustin/go-humanize"

	"github.com/TinkerUp/sideload-core/types/models"
)

// formatProgress renders download stats as "NN%, X MB/s". When neither the
// sampled total nor sizeBytes is known the percentage is estimated from the
// catalog size in megabytes, capped at 97% since that size is approximate.
func formatProgress(stats models.DownloadStats, sizeBytes int64, catalogSizeMB int) string {
	speed := humanize.FtoaWithDigits(stats.BytesPerSecond/1_000_000, 2)

	total := stats.TotalBytes
	if total <= 0 {
		total = sizeBytes
	}

	if total > 0 {
		percent := math.Floor(float64(stats.DownloadedBytes) / float64(total) * 100)
		if percent <= 100 {
			return humanize.Ftoa(percent) + "%, " + speed + "MB/s"
		}
	}

	percentText := "--%"
	if catalogSizeMB > 0 {
		downloadedMB := math.Round(float64(stats.DownloadedBytes)/1_000_000*100) / 100
		percent := math.Floor(downloadedMB / float64(catalogSizeMB) * 97)
		if percent <= 100 {
			percentText = humanize.Ftoa(percent) + "%"
		}
	}

	return percentText + ", " + speed + "MB/s"
}
