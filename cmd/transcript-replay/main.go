// Command transcript-replay feeds a recorded conversation transcript into a
// running Consilience server over the session websocket, paced like live
// speech, and prints every delivered response. Useful for exercising the
// moderation pipeline without a live STT feed.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type options struct {
	baseURL   string
	file      string
	title     string
	pace      time.Duration
	tailWait  time.Duration
	speakers  []string
	verbose   bool
	keepAlive bool
}

type line struct {
	Speaker string
	Text    string
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq,omitempty"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Delivery *struct {
		Priority string `json:"priority"`
		Text     string `json:"text"`
	} `json:"delivery,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcript-replay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "transcript-replay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var paceMS, tailWaitMS int
	var speakersRaw string

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "Consilience base URL")
	flag.StringVar(&cfg.file, "file", "", "transcript file ('Speaker: text' per line, or bare text)")
	flag.StringVar(&cfg.title, "title", "transcript replay", "session title")
	flag.IntVar(&paceMS, "pace-ms", 1500, "delay between utterances in milliseconds")
	flag.IntVar(&tailWaitMS, "tail-wait-ms", 10000, "how long to keep listening for deliveries after the last line")
	flag.StringVar(&speakersRaw, "speakers", "Maya|Jordan|Sam", "round-robin speakers for bare-text lines, separated by '|'")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.BoolVar(&cfg.keepAlive, "keep-session", false, "leave the session open after replay")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.file) == "" {
		return options{}, fmt.Errorf("file is required")
	}
	if paceMS < 0 {
		paceMS = 0
	}
	cfg.pace = time.Duration(paceMS) * time.Millisecond
	cfg.tailWait = time.Duration(tailWaitMS) * time.Millisecond

	for _, part := range strings.Split(speakersRaw, "|") {
		if s := strings.TrimSpace(part); s != "" {
			cfg.speakers = append(cfg.speakers, s)
		}
	}
	if len(cfg.speakers) == 0 {
		cfg.speakers = []string{"Speaker"}
	}
	return cfg, nil
}

func run(cfg options) error {
	lines, err := loadTranscript(cfg)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("transcript %s has no usable lines", cfg.file)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !cfg.keepAlive {
		defer func() {
			_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
		}()
	}

	if cfg.verbose {
		fmt.Printf("transcript-replay: session=%s lines=%d pace=%s\n", sessionID, len(lines), cfg.pace)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readErrCh := make(chan error, 1)
	go readLoop(conn, readErrCh, cfg.verbose)

	for i, l := range lines {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		msg := map[string]any{
			"type":       "utterance",
			"speaker":    l.Speaker,
			"text":       l.Text,
			"confidence": 0.95,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("line %d send: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf(">> [%d/%d] %s: %s\n", i+1, len(lines), l.Speaker, l.Text)
		}
		if cfg.pace > 0 && i < len(lines)-1 {
			time.Sleep(cfg.pace)
		}
	}

	if cfg.verbose {
		fmt.Printf("transcript-replay: done sending, listening %s for deliveries\n", cfg.tailWait)
	}
	select {
	case err := <-readErrCh:
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
	case <-time.After(cfg.tailWait):
	}
	return nil
}

func loadTranscript(cfg options) ([]line, error) {
	f, err := os.Open(cfg.file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []line
	next := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		speaker := ""
		if idx := strings.Index(text, ":"); idx > 0 && idx < 40 {
			speaker = strings.TrimSpace(text[:idx])
			text = strings.TrimSpace(text[idx+1:])
		}
		if speaker == "" {
			speaker = cfg.speakers[next%len(cfg.speakers)]
			next++
		}
		if text == "" {
			continue
		}
		out = append(out, line{Speaker: speaker, Text: text})
	}
	return out, scanner.Err()
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(map[string]string{"title": cfg.title})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, errCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "delivery":
			if env.Delivery != nil {
				fmt.Printf("\n<< CONSILIENCE [%s]\n%s\n\n", env.Delivery.Priority, env.Delivery.Text)
			}
		case "error":
			fmt.Printf("<< error %s: %s\n", env.Code, env.Detail)
		case "ack":
			if verbose {
				fmt.Printf("   ack seq=%d\n", env.Seq)
			}
		}
	}
}
