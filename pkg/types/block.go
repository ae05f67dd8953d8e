// Package types holds the domain model shared across the engine: the
// content descriptors and schedule shapes fetched from the station API,
// plus the small value types (download progress, cache entries) that cross
// package boundaries.
package types

import (
	"sort"
	"time"
)

// BlockType identifies what kind of content an AudioBlock carries.
type BlockType string

const (
	BlockSong          BlockType = "song"
	BlockCommercial    BlockType = "commercial_block"
	BlockAudioImage    BlockType = "audio_image"
	BlockVoiceTrack    BlockType = "voice_track"
	BlockOther         BlockType = "other"
)

// AudioBlock is an immutable content descriptor: the thing a Spin plays.
type AudioBlock struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	Album    string    `json:"album,omitempty"`
	Type     BlockType `json:"type"`

	DurationMS        int `json:"durationMS"`
	EndOfMessageMS    int `json:"endOfMessageMS"`
	BeginningOfOutroMS int `json:"beginningOfOutroMS"`
	EndOfIntroMS       int `json:"endOfIntroMS"`
	LengthOfOutroMS    int `json:"lengthOfOutroMS"`

	DownloadURL string `json:"downloadUrl"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Valid reports whether the block satisfies the data model's invariants
// (spec §3, invariant 1).
func (b AudioBlock) Valid() bool {
	if b.ID == "" || b.DownloadURL == "" {
		return false
	}
	if b.DurationMS <= 0 {
		return false
	}
	if b.EndOfMessageMS <= 0 || b.EndOfMessageMS > b.DurationMS {
		return false
	}
	return true
}

// Fade is a single volume set-point automation entry inside a Spin.
type Fade struct {
	AtMS     int     `json:"atMS"`
	ToVolume float64 `json:"toVolume"`
}

// Spin is a scheduled broadcast of one AudioBlock at a specific instant.
type Spin struct {
	ID             string     `json:"id"`
	StationID      string     `json:"stationId"`
	Airtime        time.Time  `json:"airtime"`
	StartingVolume float64    `json:"startingVolume"`
	AudioBlock     AudioBlock `json:"audioBlock"`
	Fades          []Fade     `json:"fades"`
	CreatedAt      time.Time  `json:"createdAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt,omitempty"`
}

// Endtime is the earliest instant the next item may begin.
func (s Spin) Endtime() time.Time {
	return s.Airtime.Add(time.Duration(s.AudioBlock.EndOfMessageMS) * time.Millisecond)
}

// IsAiring reports whether the spin is airing at instant t: airtime <= t <
// endtime, inclusive on start, exclusive on end.
func (s Spin) IsAiring(t time.Time) bool {
	return !t.Before(s.Airtime) && t.Before(s.Endtime())
}

// Shift returns a copy of the spin with its airtime moved by -offset, used
// to compute the historical-offset view transformation. The embedded
// AudioBlock and Fades are shared (they are immutable content, not part of
// the transform).
func (s Spin) Shift(offset time.Duration) Spin {
	shifted := s
	shifted.Airtime = s.Airtime.Add(-offset)
	return shifted
}

// Schedule is a per-station snapshot of the spins known to the engine.
type Schedule struct {
	StationID string    `json:"stationId"`
	Spins     []Spin    `json:"spins"`
	FetchedAt time.Time `json:"fetchedAt"`
	// FetchID disambiguates concurrent refreshes: a parse result from an
	// older fetch is discarded if a newer one has already landed.
	FetchID uint64 `json:"-"`
}

// Sorted returns the spins ordered ascending by airtime; ties broken by id
// for determinism.
func (s Schedule) Sorted() []Spin {
	out := make([]Spin, len(s.Spins))
	copy(out, s.Spins)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Airtime.Equal(out[j].Airtime) {
			return out[i].ID < out[j].ID
		}
		return out[i].Airtime.Before(out[j].Airtime)
	})
	return out
}

// Current returns exactly the spins where endtime' > t (with airtime' =
// airtime - offset), sorted ascending by airtime'. Spec §8 invariant 1.
func (s Schedule) Current(t time.Time, offset time.Duration) []Spin {
	var out []Spin
	for _, spin := range s.Sorted() {
		shifted := spin.Shift(offset)
		if shifted.Endtime().After(t) {
			out = append(out, shifted)
		}
	}
	return out
}

// NowPlaying returns the spin with the latest airtime' among those airing
// at t, or ok=false if none. Ties broken by largest id lexicographically.
// Spec §4.8, §8 invariant 2.
func (s Schedule) NowPlaying(t time.Time, offset time.Duration) (Spin, bool) {
	var best Spin
	found := false

	for _, spin := range s.Spins {
		shifted := spin.Shift(offset)
		if !shifted.IsAiring(t) {
			continue
		}
		if !found {
			best, found = shifted, true
			continue
		}
		if shifted.Airtime.After(best.Airtime) {
			best = shifted
		} else if shifted.Airtime.Equal(best.Airtime) && shifted.ID > best.ID {
			best = shifted
		}
	}

	return best, found
}
