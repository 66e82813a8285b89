package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	maxConcurrentDownloads = 3
	defaultSegments        = 8
	chunkSize              = 64 * 1024
	connectTimeout         = 30 * time.Second
	maxRedirects           = 10
	maxRetries             = 3
	retryDelay             = 5 * time.Second
	retryBackoff           = 2.0
	schedulerInterval      = 5 * time.Second
	userAgent              = "fdm/1.0"
)

var (
	downloadDir = xdg.UserDirs.Download
	dataDir     = filepath.Join(xdg.DataHome, "fdm")
	tempDir     = filepath.Join(os.TempDir(), "fdm")
)
