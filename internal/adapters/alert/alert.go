// Package alert forwards error-level log lines to a chat webhook as embeds.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	colorError = 16711680
	colorWarn  = 16776960

	queueSize = 64
)

type Embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Footer      Footer `json:"footer"`
	Timestamp   string `json:"timestamp"`
}

type Footer struct {
	Text string `json:"text"`
}

type payload struct {
	Embeds []Embed `json:"embeds"`
}

// Writer is a zerolog.LevelWriter. Lines at MinLevel or above are queued
// and posted by Run; everything else is discarded. A full queue drops.
type Writer struct {
	URL      string
	MinLevel zerolog.Level
	Timeout  time.Duration
	HTTP     *http.Client

	host  string
	queue chan Embed
}

var _ zerolog.LevelWriter = (*Writer)(nil)

func New(url string) *Writer {
	host, _ := os.Hostname()
	if host == "" {
		host = "plaza"
	}
	return &Writer{
		URL:      url,
		MinLevel: zerolog.ErrorLevel,
		Timeout:  5 * time.Second,
		HTTP:     &http.Client{},
		host:     host,
		queue:    make(chan Embed, queueSize),
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	return len(p), nil
}

func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if w.URL == "" || level < w.MinLevel || level == zerolog.NoLevel {
		return len(p), nil
	}
	e, ok := w.embed(level, p)
	if !ok {
		return len(p), nil
	}
	select {
	case w.queue <- e:
	default:
	}
	return len(p), nil
}

// embed builds the webhook body from one JSON log line.
func (w *Writer) embed(level zerolog.Level, p []byte) (Embed, bool) {
	fields := map[string]any{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return Embed{}, false
	}
	code, _ := fields["code"].(string)
	if code == "" {
		code = strings.ToUpper(level.String())
	}
	msg, _ := fields[zerolog.MessageFieldName].(string)
	for _, k := range []string{"code", zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName} {
		delete(fields, k)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "**%s**: %v", k, fields[k])
	}
	desc := b.String()
	if desc == "" {
		desc = "No additional context"
	}

	color := colorError
	if level == zerolog.WarnLevel {
		color = colorWarn
	}
	return Embed{
		Title:       fmt.Sprintf("[%s] %s", code, msg),
		Description: desc,
		Color:       color,
		Footer:      Footer{Text: w.host + " | plaza"},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, true
}

// Run posts queued alerts until ctx is done. Delivery failures are ignored;
// reporting them through the logger would loop.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-w.queue:
			w.post(ctx, e)
		}
	}
}

func (w *Writer) post(ctx context.Context, e Embed) {
	body, err := json.Marshal(payload{Embeds: []Embed{e}})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
