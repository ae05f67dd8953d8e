// Package imageprefetch warms the file cache with AudioBlock art so a host
// UI never blocks on an image fetch the engine could have done ahead of
// time. It has no rendering surface of its own: it composes the same
// FileCache/Downloader pair the audio pipeline uses instead of keeping a
// parallel cache, the way the teacher's image loader kept its own ad hoc
// HTTP calls (dropped here; see DESIGN.md).
package imageprefetch

import (
	"context"
	"log"

	"github.com/playola-fm/spin-engine/internal/downloader"
	"github.com/playola-fm/spin-engine/pkg/types"
)

// Prefetcher fetches and caches AudioBlock image URLs, best-effort.
type Prefetcher struct {
	dl    *downloader.Downloader
	debug bool
}

// New returns a Prefetcher that uses dl to fetch and cache images.
func New(dl *downloader.Downloader, debug bool) *Prefetcher {
	return &Prefetcher{dl: dl, debug: debug}
}

// Prefetch warms the cache for block's image, if it has one. It does not
// block on completion; failures are logged and otherwise ignored, since
// art is purely informational for UIs (spec §3) and never gates playback.
func (p *Prefetcher) Prefetch(ctx context.Context, block types.AudioBlock) {
	if block.ImageURL == "" {
		return
	}

	_, ch := p.dl.Download(ctx, block.ImageURL)
	go func() {
		for progress := range ch {
			switch progress.Status {
			case types.DownloadStatusCompleted:
				p.debugLog("cached image for block %s: %s", block.ID, progress.LocalPath)
			case types.DownloadStatusFailed:
				p.debugLog("image prefetch failed for block %s: %v", block.ID, progress.Err)
			}
		}
	}()
}

// PrefetchAll warms the cache for every block's image in spins.
func (p *Prefetcher) PrefetchAll(ctx context.Context, spins []types.Spin) {
	for _, spin := range spins {
		p.Prefetch(ctx, spin.AudioBlock)
	}
}

func (p *Prefetcher) debugLog(format string, args ...interface{}) {
	if p.debug {
		log.Printf("[IMAGEPREFETCH] "+format, args...)
	}
}
