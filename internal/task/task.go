package task

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind classifies what a task file asks for.
type Kind string

const (
	KindFileDrop        Kind = "file_drop"
	KindEmail           Kind = "email"
	KindSocialMessage   Kind = "social_message"
	KindPostDraft       Kind = "social_post"
	KindApprovalRequest Kind = "approval_request"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusDone     Status = "done"
)

// Meta is the structured front-matter of a task file. Extra holds any
// source-specific fields not modeled here so they round-trip unchanged.
type Meta struct {
	Kind             Kind           `yaml:"type"`
	Source           string         `yaml:"source,omitempty"`
	SourceID         string         `yaml:"source_id,omitempty"`
	Platform         string         `yaml:"platform,omitempty"`
	Priority         string         `yaml:"priority,omitempty"`
	Status           Status         `yaml:"status"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty"`
	Sender           string         `yaml:"sender,omitempty"`
	Subject          string         `yaml:"subject,omitempty"`
	Caption          string         `yaml:"caption,omitempty"`
	ImagePath        string         `yaml:"image_path,omitempty"`
	LinkURL          string         `yaml:"link_url,omitempty"`
	Created          string         `yaml:"created,omitempty"`
	Extra            map[string]any `yaml:",inline"`
}

// Task is one unit of pipeline work: front-matter plus human-readable body.
// Its lifecycle state lives in the directory holding the file, never here.
type Task struct {
	Meta Meta
	Body string
}

var ErrNoFrontMatter = errors.New("no front-matter block (file must start with ---)")

const delimiter = "---"

// Encode renders the task as a front-matter file. yaml.v3 quotes or
// block-indents values as needed, so captions containing the delimiter
// sequence survive a round trip.
func (t Task) Encode() ([]byte, error) {
	meta, err := yaml.Marshal(t.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal front-matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(meta)
	buf.WriteString(delimiter + "\n")
	if t.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(t.Body)
		if !strings.HasSuffix(t.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// Parse reads a task file back. The closing delimiter is matched at line
// granularity only; YAML emitted by Encode indents continuation lines, so
// a payload value containing "---" cannot terminate the block early.
func Parse(data []byte) (Task, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() || strings.TrimRight(scanner.Text(), "\r") != delimiter {
		return Task{}, ErrNoFrontMatter
	}
	var meta bytes.Buffer
	closed := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == delimiter {
			closed = true
			break
		}
		meta.WriteString(line)
		meta.WriteString("\n")
	}
	if !closed {
		return Task{}, errors.New("front-matter not closed (missing trailing ---)")
	}
	var body bytes.Buffer
	for scanner.Scan() {
		body.WriteString(scanner.Text())
		body.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return Task{}, err
	}
	var t Task
	if err := yaml.Unmarshal(meta.Bytes(), &t.Meta); err != nil {
		return Task{}, fmt.Errorf("invalid front-matter yaml: %w", err)
	}
	t.Body = strings.TrimPrefix(body.String(), "\n")
	return t, nil
}

// Validate checks the fields the executor depends on.
func (m Meta) Validate() error {
	switch m.Kind {
	case KindFileDrop, KindEmail, KindSocialMessage, KindPostDraft, KindApprovalRequest:
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown task type %q", m.Kind)
	}
	if m.Kind == KindPostDraft {
		if m.Platform == "" {
			return errors.New("platform is required for social posts")
		}
		if m.Caption == "" {
			return errors.New("caption is required for social posts")
		}
	}
	return nil
}

// Filename builds the task file name: source tag prefix plus the
// source-native id, or a generation timestamp when the source has none.
func Filename(sourceTag, sourceID string, now time.Time) string {
	id := sourceID
	if id == "" {
		id = now.UTC().Format("20060102_150405")
	}
	return fmt.Sprintf("%s_%s.md", strings.ToUpper(sourceTag), Sanitize(id))
}

// Sanitize strips characters unsafe in file names and caps length.
func Sanitize(name string) string {
	r := strings.NewReplacer(
		"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
		`\`, "_", "|", "_", "?", "_", "*", "_", " ", "_",
	)
	s := r.Replace(name)
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
