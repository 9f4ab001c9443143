// Package audit appends tool-call and admin actions to a JSONL file,
// optionally encrypting each line with AES-256-GCM.
package audit

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one audit line. Details are stored already sanitized; this
// package never sees raw secrets.
type Record struct {
	TS      string                 `json:"ts"`
	Event   string                 `json:"event"`
	Actor   string                 `json:"actor"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Logger serializes appends to a single audit file. Writes happen before
// the caller's response is returned, so a crash cannot lose an audited
// action that a client already saw succeed.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	gcm  cipher.AEAD
	log  *log.Logger
}

// New opens (creating if needed) the audit file. key must be nil or
// exactly 32 bytes; when set, every line is encrypted.
func New(path string, key []byte) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Logger{
		path: path,
		file: file,
		log:  log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}

	if len(key) > 0 {
		if len(key) != 32 {
			file.Close()
			return nil, fmt.Errorf("audit key must be 32 bytes, got %d", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("audit cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("audit gcm: %w", err)
		}
		l.gcm = gcm
		l.log.Printf("Encryption enabled for %s", path)
	}
	return l, nil
}

// Append writes one record and fsyncs before returning.
func (l *Logger) Append(event, actor string, details map[string]interface{}) error {
	rec := Record{
		TS:      time.Now().UTC().Format(time.RFC3339),
		Event:   event,
		Actor:   actor,
		Details: details,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	line := data
	if l.gcm != nil {
		line, err = l.seal(data)
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return l.file.Sync()
}

// seal encrypts one line: base64(nonce || ciphertext || tag) with a
// fresh 12-byte nonce per record.
func (l *Logger) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("audit nonce: %w", err)
	}
	sealed := l.gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// open decrypts one sealed line.
func (l *Logger) open(line []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(raw, line)
	if err != nil {
		return nil, fmt.Errorf("audit base64: %w", err)
	}
	raw = raw[:n]
	if len(raw) < l.gcm.NonceSize() {
		return nil, fmt.Errorf("audit line too short")
	}
	nonce, ct := raw[:l.gcm.NonceSize()], raw[l.gcm.NonceSize():]
	plaintext, err := l.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("audit decrypt: %w", err)
	}
	return plaintext, nil
}

// Read returns all records, newest last. A file may mix plaintext and
// encrypted lines (key enabled mid-life); both are handled per line.
// Undecodable lines are skipped with a warning rather than failing the
// whole read.
func (l *Logger) Read() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		data := []byte(line)
		if !strings.HasPrefix(line, "{") {
			if l.gcm == nil {
				l.log.Printf("⚠️  Line %d is encrypted but no key is configured, skipping", lineNo)
				continue
			}
			data, err = l.open([]byte(line))
			if err != nil {
				l.log.Printf("⚠️  Line %d unreadable: %v", lineNo, err)
				continue
			}
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			l.log.Printf("⚠️  Line %d malformed: %v", lineNo, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return records, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
