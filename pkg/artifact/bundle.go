// Package artifact persists build outputs: a uniquely named bundle directory
// per build holding the manifest, dependency list, and a readable build log.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/session"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/stream"
)

const dirTimestampLayout = "20060102_1504"

// Bundle is one build's output directory.
type Bundle struct {
	Dir       string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// FileEntry describes one file captured in the manifest.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Manifest records what a build produced.
type Manifest struct {
	App          string      `json:"app"`
	BuildID      string      `json:"build_id"`
	SessionID    string      `json:"session_id"`
	Status       string      `json:"status"`
	Instructions string      `json:"instructions"`
	CreatedAt    time.Time   `json:"created_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Files        []FileEntry `json:"files,omitempty"`
}

// CreateBundle makes the bundle directory under root, named
// <slug>_<YYYYMMDD_HHMM>. On collision a short unique suffix is appended
// rather than reusing the existing directory.
func CreateBundle(root, name string, now time.Time) (*Bundle, error) {
	slug := session.Slugify(name)
	dirName := fmt.Sprintf("%s_%s", slug, now.Format(dirTimestampLayout))
	dir := filepath.Join(root, dirName)

	if _, err := os.Stat(dir); err == nil {
		dirName = fmt.Sprintf("%s-%s", dirName, session.UniqueSuffix())
		dir = filepath.Join(root, dirName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeArtifactWrite, "failed to create bundle directory").
			WithContext("dir", dir)
	}

	return &Bundle{
		Dir:       dir,
		Name:      dirName,
		Slug:      slug,
		CreatedAt: now,
	}, nil
}

// WriteManifest writes manifest.json into the bundle.
func (b *Bundle) WriteManifest(m Manifest) error {
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "failed to encode manifest")
	}
	return b.writeFile("manifest.json", encoded)
}

// WriteDependencies writes dependencies.txt, one dependency per line.
func (b *Bundle) WriteDependencies(deps []string) error {
	unique := make([]string, 0, len(deps))
	seen := make(map[string]bool)
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		unique = append(unique, d)
	}
	sort.Strings(unique)
	return b.writeFile("dependencies.txt", []byte(strings.Join(unique, "\n")+"\n"))
}

// WriteBuildLog renders the transcript into BUILD_LOG.md: the request, every
// event in sequence order, and the final status.
func (b *Bundle) WriteBuildLog(instructions string, events []stream.ProcessEvent, status string) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Build Log: %s\n\n", b.Slug)
	fmt.Fprintf(&sb, "**Created:** %s\n\n", b.CreatedAt.UTC().Format(time.RFC3339))
	sb.WriteString("## User Request\n\n")
	fmt.Fprintf(&sb, "> %s\n\n", strings.ReplaceAll(instructions, "\n", "\n> "))
	sb.WriteString("## Events\n\n")

	for _, ev := range events {
		stage := ev.Stage
		if stage == "" {
			stage = "-"
		}
		switch ev.Kind {
		case stream.KindChunk:
			// Assistant text is summarized, not replayed verbatim.
			fmt.Fprintf(&sb, "%d. [%s] output (%d chars)\n", ev.Seq, stage, len(ev.Message))
		default:
			line := fmt.Sprintf("%d. [%s] %s: %s", ev.Seq, stage, ev.Kind, ev.Message)
			if tool, ok := ev.Details["tool"].(string); ok {
				line = fmt.Sprintf("%d. [%s] %s: %s (%s)", ev.Seq, stage, ev.Kind, ev.Message, tool)
			}
			sb.WriteString(line + "\n")
		}
	}

	fmt.Fprintf(&sb, "\n## Final Status\n\n%s\n", status)
	return b.writeFile("BUILD_LOG.md", []byte(sb.String()))
}

func (b *Bundle) writeFile(name string, data []byte) error {
	path := filepath.Join(b.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return agenterrors.Wrap(err, agenterrors.ErrCodeArtifactWrite, "failed to write bundle file").
			WithContext("path", path)
	}
	return nil
}

// CopyFiles copies the given paths (relative to root) into the bundle,
// preserving their relative layout, and returns manifest entries for the
// copies. Paths that vanished or fail to copy are skipped.
func (b *Bundle) CopyFiles(root string, paths []string) []FileEntry {
	entries := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		src := filepath.Join(root, p)
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		if err := copyFile(src, filepath.Join(b.Dir, p)); err != nil {
			continue
		}
		entries = append(entries, FileEntry{Path: p, Size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
