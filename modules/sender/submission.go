package sender

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/relayproxy/relay/pkg/api"
	"github.com/relayproxy/relay/pkg/clock"
	"github.com/relayproxy/relay/pkg/entity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Submission is a queueable unit of work: one batched HTTP call to the
// backend. Once built, a submission is immutable except for its attempt
// counter; retries operate on the serialized form.
type Submission interface {
	EntityType() entity.Type
	Handle() string

	// Weight is the cost of the submission for rate accounting, normally
	// the number of items it carries.
	Weight() int

	Attempts() int
	IncAttempts()
	FirstAttemptMillis() int64

	// Execute performs the HTTP call and returns the response status code.
	// A non-nil error means the call never produced a response.
	Execute(ctx context.Context, client *api.Client) (int, error)

	// Split divides the submission into smaller ones when the backend
	// pushes back. Returns the receiver unchanged when it cannot be split
	// any further.
	Split(minSplitSize, maxSplitSize int) []Submission

	Marshal() ([]byte, error)
}

// Serialized submissions carry a type discriminator so that new entity
// types can be added without migrating older spool files.
const (
	submissionTypeLines     = "lines"
	submissionTypeSourceTag = "sourceTag"
)

type envelope struct {
	Type string              `json:"__type"`
	Task jsoniter.RawMessage `json:"task"`
}

// UnmarshalSubmission decodes a spooled record back into a Submission.
func UnmarshalSubmission(record []byte) (Submission, error) {
	var env envelope
	if err := json.Unmarshal(record, &env); err != nil {
		return nil, errors.Wrap(err, "decoding submission envelope")
	}
	switch env.Type {
	case submissionTypeLines:
		var s LineSubmission
		if err := json.Unmarshal(env.Task, &s); err != nil {
			return nil, errors.Wrap(err, "decoding line submission")
		}
		return &s, nil
	case submissionTypeSourceTag:
		var s SourceTagSubmission
		if err := json.Unmarshal(env.Task, &s); err != nil {
			return nil, errors.Wrap(err, "decoding source tag submission")
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("unknown submission type %q", env.Type)
	}
}

func marshalEnvelope(submissionType string, task interface{}) ([]byte, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: submissionType, Task: raw})
}

// LineSubmission is a batch of line-format items (points, delta counters,
// histograms, spans or span logs).
type LineSubmission struct {
	Entity       entity.Type `json:"entity"`
	Port         string      `json:"handle"`
	FirstAttempt int64       `json:"firstAttemptMillis"`
	AttemptCount int         `json:"attempts"`
	Lines        []string    `json:"lines"`
}

// NewLineSubmission builds a submission for a batch of serialized lines.
func NewLineSubmission(key entity.HandlerKey, lines []string) *LineSubmission {
	return &LineSubmission{
		Entity:       key.Entity,
		Port:         key.Handle,
		FirstAttempt: clock.Now(),
		Lines:        lines,
	}
}

func (s *LineSubmission) EntityType() entity.Type   { return s.Entity }
func (s *LineSubmission) Handle() string            { return s.Port }
func (s *LineSubmission) Weight() int               { return len(s.Lines) }
func (s *LineSubmission) Attempts() int             { return s.AttemptCount }
func (s *LineSubmission) IncAttempts()              { s.AttemptCount++ }
func (s *LineSubmission) FirstAttemptMillis() int64 { return s.FirstAttempt }

func (s *LineSubmission) Execute(ctx context.Context, client *api.Client) (int, error) {
	return client.Report(ctx, pushFormat(s.Entity), []byte(strings.Join(s.Lines, "\n")))
}

func (s *LineSubmission) Split(minSplitSize, maxSplitSize int) []Submission {
	if len(s.Lines) < minSplitSize*2 {
		return []Submission{s}
	}
	half := len(s.Lines) / 2
	if maxSplitSize > 0 && half > maxSplitSize {
		half = maxSplitSize
	}
	left := &LineSubmission{
		Entity: s.Entity, Port: s.Port, FirstAttempt: s.FirstAttempt,
		AttemptCount: s.AttemptCount, Lines: s.Lines[:half],
	}
	right := &LineSubmission{
		Entity: s.Entity, Port: s.Port, FirstAttempt: s.FirstAttempt,
		AttemptCount: s.AttemptCount, Lines: s.Lines[half:],
	}
	return []Submission{left, right}
}

func (s *LineSubmission) Marshal() ([]byte, error) {
	return marshalEnvelope(submissionTypeLines, s)
}

func pushFormat(t entity.Type) string {
	switch t {
	case entity.Histogram:
		return api.FormatHistogram
	case entity.Trace:
		return api.FormatTrace
	case entity.SpanLogs:
		return api.FormatSpanLogs
	default:
		return api.FormatWavefront
	}
}

// SourceTagSubmission is a batch of source-tag mutations. Each operation
// maps to its own HTTP call, executed in order; the first non-2xx response
// stops the batch so the remainder is retried together. The operations are
// idempotent, so re-running already-applied ones on retry is safe.
type SourceTagSubmission struct {
	Port         string                      `json:"handle"`
	FirstAttempt int64                       `json:"firstAttemptMillis"`
	AttemptCount int                         `json:"attempts"`
	Tags         []entity.SourceTagOperation `json:"sourceTags"`
}

// NewSourceTagSubmission wraps a batch of source-tag operations.
func NewSourceTagSubmission(handle string, ops []entity.SourceTagOperation) *SourceTagSubmission {
	return &SourceTagSubmission{
		Port:         handle,
		FirstAttempt: clock.Now(),
		Tags:         ops,
	}
}

func (s *SourceTagSubmission) EntityType() entity.Type   { return entity.SourceTag }
func (s *SourceTagSubmission) Handle() string            { return s.Port }
func (s *SourceTagSubmission) Weight() int               { return len(s.Tags) }
func (s *SourceTagSubmission) Attempts() int             { return s.AttemptCount }
func (s *SourceTagSubmission) IncAttempts()              { s.AttemptCount++ }
func (s *SourceTagSubmission) FirstAttemptMillis() int64 { return s.FirstAttempt }

func (s *SourceTagSubmission) Execute(ctx context.Context, client *api.Client) (int, error) {
	code := http.StatusOK
	for _, op := range s.Tags {
		var err error
		code, err = executeSourceTagOp(ctx, client, op)
		if err != nil {
			return 0, err
		}
		if code/100 != 2 {
			return code, nil
		}
	}
	return code, nil
}

func executeSourceTagOp(ctx context.Context, client *api.Client, op entity.SourceTagOperation) (int, error) {
	switch op.Operation {
	case entity.SourceDescriptionOp:
		switch op.Action {
		case entity.ActionDelete:
			return client.RemoveSourceDescription(ctx, op.Source)
		case entity.ActionSave, entity.ActionAdd:
			return client.SetSourceDescription(ctx, op.Source, op.Annotations[0])
		}
	case entity.SourceTagOp:
		switch op.Action {
		case entity.ActionAdd:
			return client.AppendSourceTag(ctx, op.Source, op.Annotations[0])
		case entity.ActionDelete:
			return client.RemoveSourceTag(ctx, op.Source, op.Annotations[0])
		case entity.ActionSave:
			return client.SetSourceTags(ctx, op.Source, op.Annotations)
		}
	}
	return 0, fmt.Errorf("invalid source tag operation %s/%s", op.Operation, op.Action)
}

func (s *SourceTagSubmission) Split(minSplitSize, maxSplitSize int) []Submission {
	if len(s.Tags) < minSplitSize*2 {
		return []Submission{s}
	}
	half := len(s.Tags) / 2
	if maxSplitSize > 0 && half > maxSplitSize {
		half = maxSplitSize
	}
	left := &SourceTagSubmission{
		Port: s.Port, FirstAttempt: s.FirstAttempt,
		AttemptCount: s.AttemptCount, Tags: s.Tags[:half],
	}
	right := &SourceTagSubmission{
		Port: s.Port, FirstAttempt: s.FirstAttempt,
		AttemptCount: s.AttemptCount, Tags: s.Tags[half:],
	}
	return []Submission{left, right}
}

func (s *SourceTagSubmission) Marshal() ([]byte, error) {
	return marshalEnvelope(submissionTypeSourceTag, s)
}
