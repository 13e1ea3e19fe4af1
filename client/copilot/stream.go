package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"copilotd/cancellation"
	"copilotd/dispatch"
	"copilotd/logger"
	"copilotd/types"
)

// DefaultTimeout bounds one completion stream from send to last event
const DefaultTimeout = time.Second

const doneSentinel = "[DONE]"

var log = logger.Scope("fetch")

// Stream describes where the candidates of a fetch belong and when to give up on it
type Stream struct {
	LinePrefix string
	Position   types.Position
	Token      *cancellation.Token // may be nil
	Ticket     dispatch.Ticket
}

// stopReason reports why the fetch must stop, or "" to keep going
func (s Stream) stopReason() string {
	if s.Token != nil && s.Token.IsCancelled() {
		log.Debug("request %d stopped: %s", s.Token.ID(), s.Token.Reason())
		return s.Token.Reason()
	}
	if s.Ticket.Stopped() {
		return types.ReasonSuperseded
	}
	return ""
}

func (s Stream) tokenDone() <-chan struct{} {
	if s.Token == nil {
		return nil
	}
	return s.Token.Done()
}

// Fetcher sends completion requests and assembles the streamed candidates
type Fetcher struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewFetcher creates a fetcher. A zero timeout means DefaultTimeout.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{HTTPClient: client, Timeout: timeout}
}

type readResult struct {
	event Event
	err   error
}

// Fetch sends req and reads its event stream until "[DONE]", end of stream,
// a stop condition or the timeout. Stops and stream-level parse failures are
// reported in the result; transport failures and the timeout are errors.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request, s Stream) (types.Result, error) {
	defer logger.Trace("copilot.Fetch")()

	if reason := s.stopReason(); reason != "" {
		return types.Cancelled(reason), nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	// Abandon a stalled send or read as soon as a stop fires
	go func() {
		select {
		case <-s.tokenDone():
			cancel()
		case <-s.Ticket.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := f.HTTPClient.Do(req.WithContext(ctx))
	if err != nil {
		return f.interrupted(ctx, s, fmt.Errorf("%w: failed to send request: %w", types.ErrUpstream, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Result{}, fmt.Errorf("%w: request failed with status %d: %s",
			types.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	events := make(chan readResult)
	go func() {
		reader := NewEventReader(resp.Body)
		for {
			ev, err := reader.Next()
			select {
			case events <- readResult{event: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	asm := newAssembler(s.LinePrefix, s.Position)
	for {
		select {
		case <-ctx.Done():
			return f.interrupted(ctx, s, ctx.Err())

		case msg := <-events:
			if reason := s.stopReason(); reason != "" {
				return types.Cancelled(reason), nil
			}
			if errors.Is(msg.err, io.EOF) {
				log.Debug("stream ended without %s", doneSentinel)
				return asm.finish(), nil
			}
			if msg.err != nil {
				return f.interrupted(ctx, s, fmt.Errorf("%w: failed to read stream: %w", types.ErrUpstream, msg.err))
			}
			if asm.handle(msg.event.Data) {
				return asm.finish(), nil
			}
		}
	}
}

// interrupted classifies a failure that may have been caused by a stop or the deadline
func (f *Fetcher) interrupted(ctx context.Context, s Stream, err error) (types.Result, error) {
	if reason := s.stopReason(); reason != "" {
		return types.Cancelled(reason), nil
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return types.Result{}, fmt.Errorf("%w after %s", types.ErrTimeout, f.Timeout)
	case context.Canceled:
		return types.Cancelled(types.ReasonCancelled), nil
	}
	return types.Result{}, err
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type streamChoice struct {
	Text         string  `json:"text"`
	Index        *int    `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

type sealedCandidate struct {
	slot      int
	order     int
	candidate types.Candidate
}

// assembler rebuilds candidates from streamed choices. A choice's index picks
// its slot when present; otherwise choices fill slots in arrival order.
type assembler struct {
	linePrefix string
	pos        types.Position

	open   map[int]*strings.Builder
	cursor int // slot used by choices without an index
	sealed []sealedCandidate
	order  int

	parseErr string
}

func newAssembler(linePrefix string, pos types.Position) *assembler {
	return &assembler{
		linePrefix: linePrefix,
		pos:        pos,
		open:       make(map[int]*strings.Builder),
	}
}

// handle consumes one event payload and reports whether the stream is done
func (a *assembler) handle(data string) bool {
	data = strings.TrimSpace(data)
	if data == doneSentinel {
		return true
	}
	if data == "" {
		return false
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		a.parseErr = types.ReasonUpstream + ": " + err.Error()
		log.Debug("unparseable event: %v", err)
		return false
	}
	if chunk.Choices == nil {
		msg := "event without choices"
		if chunk.Error != nil && chunk.Error.Message != "" {
			msg = chunk.Error.Message
		}
		a.parseErr = types.ReasonUpstream + ": " + msg
		log.Debug("upstream error event: %s", msg)
		return false
	}

	for _, choice := range chunk.Choices {
		slot := a.cursor
		if choice.Index != nil {
			slot = *choice.Index
		}
		acc, ok := a.open[slot]
		if !ok {
			acc = &strings.Builder{}
			a.open[slot] = acc
		}
		acc.WriteString(choice.Text)

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			a.seal(slot)
			if choice.Index == nil {
				a.cursor++
			}
		}
	}
	return false
}

func (a *assembler) seal(slot int) {
	acc := a.open[slot]
	delete(a.open, slot)
	a.sealed = append(a.sealed, sealedCandidate{
		slot:      slot,
		order:     a.order,
		candidate: CreateItem(acc.String(), a.linePrefix, a.pos),
	})
	a.order++
}

// finish seals the accumulators still open and orders every candidate by slot
func (a *assembler) finish() types.Result {
	slots := make([]int, 0, len(a.open))
	for slot := range a.open {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for _, slot := range slots {
		a.seal(slot)
	}

	sort.SliceStable(a.sealed, func(i, j int) bool {
		if a.sealed[i].slot != a.sealed[j].slot {
			return a.sealed[i].slot < a.sealed[j].slot
		}
		return a.sealed[i].order < a.sealed[j].order
	})

	if len(a.sealed) == 0 && a.parseErr != "" {
		return types.Cancelled(a.parseErr)
	}
	if a.parseErr != "" {
		log.Warn("kept %d candidates despite %s", len(a.sealed), a.parseErr)
	}

	candidates := make([]types.Candidate, len(a.sealed))
	for i, sc := range a.sealed {
		candidates[i] = sc.candidate
	}
	return types.Completed(candidates)
}
