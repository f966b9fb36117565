package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper to log request and response details.
// Authorization headers are masked and only JSON bodies are captured, so
// artifact streams pass through untouched.
type LoggingTransport struct {
	Transport http.RoundTripper
	out       io.Closer
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport creates a new LoggingTransport appending to logFilePath.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	return newLoggingTransport(transport, f), nil
}

func newLoggingTransport(transport http.RoundTripper, out io.WriteCloser) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		out:       out,
		writer:    bufio.NewWriter(out),
	}
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	// Dump a masked clone; the body is never dumped for outgoing GETs.
	masked := req.Clone(req.Context())
	if masked.Header.Get("Authorization") != "" {
		masked.Header.Set("Authorization", "Bearer ***")
	}
	reqDump, err := httputil.DumpRequestOut(masked, false)
	if err != nil {
		log.WithError(err).Debug("Failed to dump API request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), string(reqDump)))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), duration, err.Error()))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	headerDump, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		headerDump = []byte("Status: " + resp.Status + "\n")
	}

	if !strings.HasPrefix(contentType, "application/json") {
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s(Body not logged)", time.Now().Format(time.RFC3339), duration, contentType, string(headerDump)))
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	// Restore the body so the caller can read it.
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if readErr != nil {
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s(Body read failed: %v)", time.Now().Format(time.RFC3339), duration, string(headerDump), readErr))
		return resp, readErr
	}
	t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s--- Response Body (%s) ---\n%s", time.Now().Format(time.RFC3339), duration, string(headerDump), contentType, string(bodyBytes)))
	return resp, nil
}

// writeLog writes a string to the buffered writer and flushes it.
func (t *LoggingTransport) writeLog(logString string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(logString + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing API log file: %v\n", err)
	}
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.out.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}
