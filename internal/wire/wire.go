// Package wire holds the JSON shapes of progress streams and metadata results.
//
// A progress stream is a sequence of objects, one per event:
//
//	{"progress":42.5}
//	{"done":true}
//	{"error":{"kind":"E_TIMEOUT","message":"no progress after 3 attempts"}}
//
// Metadata results omit attributes the index has no value for, so an absent
// size never reads as zero.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/openmined/syftvolume/internal/volume"
)

var ErrMalformedEvent = errors.New("malformed stream event")

type eventMsg struct {
	Progress *float64  `json:"progress,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Error    *errorMsg `json:"error,omitempty"`
}

type errorMsg struct {
	Kind    volerr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// EncodeEvent renders one stream event.
func EncodeEvent(ev volume.Event) ([]byte, error) {
	var msg eventMsg
	switch ev.Kind {
	case volume.EventProgress:
		pct := ev.Percent
		msg.Progress = &pct
	case volume.EventDone:
		msg.Done = true
	case volume.EventError:
		if ev.Err == nil {
			return nil, fmt.Errorf("%w: error event without error", ErrMalformedEvent)
		}
		msg.Error = &errorMsg{Kind: ev.Err.Kind, Message: ev.Err.ErrorMessage()}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrMalformedEvent, ev.Kind)
	}
	return json.Marshal(&msg)
}

// DecodeEvent parses one stream event. Exactly one of the three keys must be set.
func DecodeEvent(data []byte) (volume.Event, error) {
	var msg eventMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return volume.Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	set := 0
	if msg.Progress != nil {
		set++
	}
	if msg.Done {
		set++
	}
	if msg.Error != nil {
		set++
	}
	if set != 1 {
		return volume.Event{}, fmt.Errorf("%w: %s", ErrMalformedEvent, data)
	}

	switch {
	case msg.Progress != nil:
		return volume.Event{Kind: volume.EventProgress, Percent: *msg.Progress}, nil
	case msg.Done:
		return volume.Event{Kind: volume.EventDone, Percent: 100}, nil
	}
	if msg.Error.Kind == "" {
		return volume.Event{}, fmt.Errorf("%w: error without kind", ErrMalformedEvent)
	}
	return volume.Event{
		Kind: volume.EventError,
		Err:  volerr.New(msg.Error.Kind, "", "", msg.Error.Message),
	}, nil
}

// Entry is the metadata result of one item.
type Entry struct {
	Path                  string     `json:"path"`
	IsDir                 bool       `json:"is_dir"`
	Size                  *int64     `json:"size,omitempty"`
	CreatedAt             *time.Time `json:"created_at,omitempty"`
	ContentChangedAt      *time.Time `json:"content_changed_at,omitempty"`
	ETag                  string     `json:"etag,omitempty"`
	DownloadState         string     `json:"download_state,omitempty"`
	UploadState           string     `json:"upload_state,omitempty"`
	HasUnresolvedConflict bool       `json:"has_unresolved_conflict"`
	DownloadPercent       *float64   `json:"download_percent,omitempty"`
	UploadPercent         *float64   `json:"upload_percent,omitempty"`
	DownloadError         string     `json:"download_error,omitempty"`
	UploadError           string     `json:"upload_error,omitempty"`
}

func FromEntry(e remote.Entry) Entry {
	e = e.Clone()
	return Entry{
		Path:                  e.Path.String(),
		IsDir:                 e.IsDir,
		Size:                  e.Size,
		CreatedAt:             e.CreatedAt,
		ContentChangedAt:      e.ContentChangedAt,
		ETag:                  e.ETag,
		DownloadState:         string(e.DownloadState),
		UploadState:           string(e.UploadState),
		HasUnresolvedConflict: e.HasUnresolvedConflict,
		DownloadPercent:       e.DownloadPercent,
		UploadPercent:         e.UploadPercent,
		DownloadError:         e.DownloadError,
		UploadError:           e.UploadError,
	}
}

// ToEntry converts back, validating the path.
func (w Entry) ToEntry() (remote.Entry, error) {
	p, err := itempath.Parse(w.Path)
	if err != nil {
		return remote.Entry{}, err
	}
	return remote.Entry{
		Path:                  p,
		IsDir:                 w.IsDir,
		Size:                  w.Size,
		CreatedAt:             w.CreatedAt,
		ContentChangedAt:      w.ContentChangedAt,
		ETag:                  w.ETag,
		DownloadState:         remote.DownloadState(w.DownloadState),
		UploadState:           remote.UploadState(w.UploadState),
		HasUnresolvedConflict: w.HasUnresolvedConflict,
		DownloadPercent:       w.DownloadPercent,
		UploadPercent:         w.UploadPercent,
		DownloadError:         w.DownloadError,
		UploadError:           w.UploadError,
	}, nil
}

func EncodeEntry(e remote.Entry) ([]byte, error) {
	w := FromEntry(e)
	return json.Marshal(&w)
}

func EncodeEntries(entries []remote.Entry) ([]byte, error) {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, FromEntry(e))
	}
	return json.Marshal(out)
}

func DecodeEntry(data []byte) (remote.Entry, error) {
	var w Entry
	if err := json.Unmarshal(data, &w); err != nil {
		return remote.Entry{}, err
	}
	return w.ToEntry()
}

// Operation describes a running transfer.
type Operation struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Direction string    `json:"direction"`
	State     string    `json:"state"`
	Percent   float64   `json:"percent"`
	StartedAt time.Time `json:"started_at"`
}

func EncodeOperations(ops []volume.OperationInfo) ([]byte, error) {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, Operation{
			ID:        op.ID,
			Path:      op.Path.String(),
			Direction: string(op.Direction),
			State:     string(op.State),
			Percent:   op.Percent,
			StartedAt: op.StartedAt,
		})
	}
	return json.Marshal(out)
}

// Version is one candidate of a conflicted item.
type Version struct {
	Source     string    `json:"source"`
	ETag       string    `json:"etag"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

func EncodeVersions(versions []remote.Version) ([]byte, error) {
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		out = append(out, Version{
			Source:     string(v.Source),
			ETag:       v.ETag,
			Size:       v.Size,
			ModifiedAt: v.ModifiedAt,
		})
	}
	return json.Marshal(out)
}
