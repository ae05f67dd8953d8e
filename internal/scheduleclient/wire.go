package scheduleclient

import (
	"fmt"
	"time"

	"github.com/playola-fm/spin-engine/pkg/types"
)

// wireSchedule mirrors the server's schedule response shape. Unknown fields
// (relatedTexts and anything else the server adds later) are ignored by
// encoding/json's default decode behavior, satisfying the "unknown fields
// MUST be ignored" requirement without extra bookkeeping.
type wireSchedule struct {
	StationID string     `json:"stationId"`
	Spins     []wireSpin `json:"spins"`
}

type wireSpin struct {
	ID             string      `json:"id"`
	StationID      string      `json:"stationId"`
	Airtime        string      `json:"airtime"`
	StartingVolume float64     `json:"startingVolume"`
	AudioBlock     wireBlock   `json:"audioBlock"`
	Fades          []wireFade  `json:"fades"`
	CreatedAt      string      `json:"createdAt"`
	UpdatedAt      string      `json:"updatedAt"`
}

type wireBlock struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Artist             string `json:"artist"`
	Type               string `json:"type"`
	DurationMS         int    `json:"durationMS"`
	EndOfMessageMS     int    `json:"endOfMessageMS"`
	BeginningOfOutroMS int    `json:"beginningOfOutroMS"`
	EndOfIntroMS       int    `json:"endOfIntroMS"`
	LengthOfOutroMS    int    `json:"lengthOfOutroMS"`
	DownloadURL        string `json:"downloadUrl"`
	ImageURL           string `json:"imageUrl"`
}

type wireFade struct {
	AtMS     int     `json:"atMS"`
	ToVolume float64 `json:"toVolume"`
}

func blockTypeFromWire(s string) types.BlockType {
	switch s {
	case "commercial_block":
		return types.BlockCommercial
	case "audio_image":
		return types.BlockAudioImage
	case "voice_track":
		return types.BlockVoiceTrack
	case "song":
		return types.BlockSong
	default:
		return types.BlockOther
	}
}

func parseWireTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (w *wireSchedule) toDomain(fetchedAt time.Time, fetchID uint64) (*types.Schedule, error) {
	sched := &types.Schedule{
		StationID: w.StationID,
		FetchedAt: fetchedAt,
		FetchID:   fetchID,
		Spins:     make([]types.Spin, 0, len(w.Spins)),
	}

	for _, ws := range w.Spins {
		airtime, err := parseWireTime(ws.Airtime)
		if err != nil {
			return nil, fmt.Errorf("spin %s: %w", ws.ID, err)
		}

		createdAt, err := parseWireTime(ws.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("spin %s: %w", ws.ID, err)
		}
		updatedAt, err := parseWireTime(ws.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("spin %s: %w", ws.ID, err)
		}

		spin := types.Spin{
			ID:             ws.ID,
			StationID:      ws.StationID,
			Airtime:        airtime,
			StartingVolume: ws.StartingVolume,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
			AudioBlock: types.AudioBlock{
				ID:                 ws.AudioBlock.ID,
				Title:              ws.AudioBlock.Title,
				Artist:             ws.AudioBlock.Artist,
				Type:               blockTypeFromWire(ws.AudioBlock.Type),
				DurationMS:         ws.AudioBlock.DurationMS,
				EndOfMessageMS:     ws.AudioBlock.EndOfMessageMS,
				BeginningOfOutroMS: ws.AudioBlock.BeginningOfOutroMS,
				EndOfIntroMS:       ws.AudioBlock.EndOfIntroMS,
				LengthOfOutroMS:    ws.AudioBlock.LengthOfOutroMS,
				DownloadURL:        ws.AudioBlock.DownloadURL,
				ImageURL:           ws.AudioBlock.ImageURL,
			},
		}

		for _, wf := range ws.Fades {
			spin.Fades = append(spin.Fades, types.Fade{AtMS: wf.AtMS, ToVolume: wf.ToVolume})
		}

		sched.Spins = append(sched.Spins, spin)
	}

	sched.Spins = sched.Sorted()
	return sched, nil
}
