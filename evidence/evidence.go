// Package evidence implements the append-only, hash-chained event log
// that is the pipeline's sole source of audit truth, plus the
// canonical-JSON integrity digest used by the final RunReport.
package evidence

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/justapithecus/safe-run/canon"
)

// GenesisHash is hashPrev for the first event in any run: the
// "sha256:" prefix followed by 64 hex zeros.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Event is one immutable record in the log.
type Event struct {
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"runId"`
	Stage     string         `json:"stage"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	HashPrev  string         `json:"hashPrev"`
	HashSelf  string         `json:"hashSelf"`
}

// DeriveHash computes hashSelf = sha256(hashPrev | timestamp | runId |
// stage | type | canonical(payload)), pipe-separated ASCII, prefixed
// "sha256:". Exported so the verifier can recompute it independently.
func DeriveHash(hashPrev, timestamp, runID, stage, eventType string, payload map[string]any) (string, error) {
	payloadJSON, err := canon.JSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	material := strings.Join([]string{hashPrev, timestamp, runID, stage, eventType, string(payloadJSON)}, "|")
	sum := sha256.Sum256([]byte(material))
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Log is a single-writer, append-only JSON-lines event stream. One Log
// is owned exclusively by one PreparedRun.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	runID    string
	lastHash string
	allowed  map[string]bool
	events   []Event
}

// Create truncates (or creates) the event log file at path and seeds
// the hash chain at genesis. allowedEvents gates every subsequent
// Append: an event whose type is not in the set is dropped without
// error (see Append).
func Create(path, runID string, allowedEvents []string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create event log %s: %w", path, err)
	}
	allowed := make(map[string]bool, len(allowedEvents))
	for _, e := range allowedEvents {
		allowed[e] = true
	}
	return &Log{
		file:     f,
		writer:   bufio.NewWriter(f),
		runID:    runID,
		lastHash: GenesisHash,
		allowed:  allowed,
	}, nil
}

// Append writes one event, deriving its hash chain from the last
// appended (or genesis) hash, and flushes before returning. If
// eventType is not in the allowed set, Append is a no-op and returns
// nil: gating by EvidencePlan.events is advisory bookkeeping, not a
// hard failure path for the runner.
func (l *Log) Append(timestamp, stage, eventType string, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowed != nil && !l.allowed[eventType] {
		return Event{}, nil
	}
	if payload == nil {
		payload = map[string]any{}
	}

	hashSelf, err := DeriveHash(l.lastHash, timestamp, l.runID, stage, eventType, payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Timestamp: timestamp,
		RunID:     l.runID,
		Stage:     stage,
		Type:      eventType,
		Payload:   payload,
		HashPrev:  l.lastHash,
		HashSelf:  hashSelf,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := l.writer.Write(line); err != nil {
		return Event{}, fmt.Errorf("write event: %w", err)
	}
	if _, err := l.writer.WriteString("\n"); err != nil {
		return Event{}, fmt.Errorf("write event newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return Event{}, fmt.Errorf("flush event log: %w", err)
	}

	l.lastHash = hashSelf
	l.events = append(l.events, ev)
	return ev, nil
}

// Events returns every event appended so far, in order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// LastHash returns the current chain tip.
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// ReadFile reads a JSON-lines event log back into memory, e.g. for the
// verifier or report builder operating on an archived bundle.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("parse event log line: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}
