// Package summarize generates periodic natural-language digests of captured
// activity: what applications were used and what the extracted text shows,
// condensed by a chat completion model.
package summarize

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hindsight-sh/hindsight/internal/storage"
	"github.com/hindsight-sh/hindsight/pkg/types"
)

// maxLogChars bounds the activity log sent to the model.
const maxLogChars = 8000

// Completer produces a completion for a prompt. The OpenAI-style chat
// variant lives in completer.go; tests use a stub.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options are the summarizer's tunables.
type Options struct {
	Hourly    bool
	Daily     bool
	MinFrames int
}

// Summarizer runs the summary generation loop.
type Summarizer struct {
	store     storage.Store
	completer Completer
	opts      Options

	generated atomic.Int64
}

// New wires the summarizer.
func New(store storage.Store, completer Completer, opts Options) *Summarizer {
	if opts.MinFrames <= 0 {
		opts.MinFrames = 10
	}
	return &Summarizer{store: store, completer: completer, opts: opts}
}

// Generated returns how many summaries this instance has written.
func (s *Summarizer) Generated() int64 {
	return s.generated.Load()
}

// Run checks every few minutes whether a completed hour or day lacks a
// summary, until ctx is cancelled.
func (s *Summarizer) Run(ctx context.Context) error {
	log.Printf("summarize: started (hourly=%v daily=%v, min %d frames)",
		s.opts.Hourly, s.opts.Daily, s.opts.MinFrames)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("summarize: stopped")
			return nil
		case <-ticker.C:
		}
		if err := s.Tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
			log.Printf("summarize: %v", err)
		}
	}
}

// Tick generates any summaries due as of now. Split out for tests.
func (s *Summarizer) Tick(ctx context.Context, now time.Time) error {
	if s.opts.Hourly {
		end := now.Truncate(time.Hour)
		if err := s.generateIfDue(ctx, types.SummaryHourly, end.Add(-time.Hour), end); err != nil {
			return err
		}
	}
	if s.opts.Daily {
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if err := s.generateIfDue(ctx, types.SummaryDaily, end.AddDate(0, 0, -1), end); err != nil {
			return err
		}
	}
	return nil
}

// generateIfDue writes a summary for [start, end) unless one exists or too
// few frames were captured.
func (s *Summarizer) generateIfDue(ctx context.Context, typ types.SummaryType, start, end time.Time) error {
	latest, err := s.store.LatestSummary(ctx, typ)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if latest != nil && !latest.End.Before(end) {
		return nil // already covered
	}

	frames, total, err := s.store.ListFrames(ctx, storage.ListOptions{
		Filter: storage.FrameFilter{Start: start, End: end.Add(-time.Nanosecond)},
		Limit:  1000,
	})
	if err != nil {
		return err
	}
	if total < s.opts.MinFrames {
		return nil
	}

	prompt, appNames := s.buildPrompt(ctx, typ, start, end, frames)

	text, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("summarize: completion failed: %w", err)
	}

	sum := &types.Summary{
		ID:         uuid.NewString(),
		Start:      start,
		End:        end,
		Type:       typ,
		Text:       strings.TrimSpace(text),
		FrameCount: total,
		AppNames:   appNames,
	}
	if err := s.store.InsertSummary(ctx, sum); err != nil {
		return err
	}
	s.generated.Add(1)
	log.Printf("summarize: wrote %s summary for %s (%d frames)", typ, start.Format("2006-01-02 15:04"), total)
	return nil
}

// buildPrompt assembles an activity log: applications seen and a sample of
// extracted text, oldest first, truncated to a fixed size.
func (s *Summarizer) buildPrompt(ctx context.Context, typ types.SummaryType, start, end time.Time, frames []types.Frame) (string, []string) {
	appSet := make(map[string]struct{})
	var entries []string

	// ListFrames is newest first; the log reads better oldest first.
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.AppName != "" {
			appSet[f.AppName] = struct{}{}
		}

		blocks, err := s.store.TextBlocksByFrame(ctx, f.ID)
		if err != nil || len(blocks) == 0 {
			continue
		}
		var texts []string
		for _, b := range blocks {
			texts = append(texts, b.Text)
		}
		entry := fmt.Sprintf("[%s] %s: %s",
			f.Timestamp.Format("15:04"), f.AppName, truncate(strings.Join(texts, " | "), 400))
		entries = append(entries, entry)
	}

	appNames := make([]string, 0, len(appSet))
	for name := range appSet {
		appNames = append(appNames, name)
	}
	sort.Strings(appNames)

	logText := strings.Join(entries, "\n")
	if len(logText) > maxLogChars {
		logText = logText[:maxLogChars]
	}

	prompt := fmt.Sprintf(
		"Summarize this %s of computer activity (%s to %s) in 2-4 sentences. "+
			"Focus on what was worked on, not the mechanics of switching windows.\n\n"+
			"Applications used: %s\n\nActivity log:\n%s",
		periodName(typ),
		start.Format("2006-01-02 15:04"), end.Format("15:04"),
		strings.Join(appNames, ", "), logText)
	return prompt, appNames
}

func periodName(typ types.SummaryType) string {
	switch typ {
	case types.SummaryHourly:
		return "hour"
	case types.SummaryDaily:
		return "day"
	default:
		return "session"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
