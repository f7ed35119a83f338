package skill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"taskloom/internal/model"
)

const maxReadChars = 200_000

// registerBuiltins wires the shipped skill implementations.
func registerBuiltins(r *Runner) {
	r.RegisterImpl("builtin:file_fingerprint", fileFingerprint)
	r.RegisterImpl("builtin:text_extract", textExtract)
	r.RegisterImpl("builtin:template_render", templateRender)
	r.RegisterImpl("builtin:diff_artifact", diffArtifact)
	r.RegisterImpl("builtin:validator_basic", validatorBasic)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readCapped(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := string(data)
	if len(s) > maxReadChars {
		s = s[:maxReadChars]
	}
	return s, nil
}

func writeArtifact(call Call, name, filename, content string) (ArtifactRef, error) {
	dir := call.Workspace.TaskArtifactsDir(call.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ArtifactRef{}, err
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ArtifactRef{}, err
	}
	sha, err := sha256File(path)
	if err != nil {
		return ArtifactRef{}, err
	}
	format := strings.TrimPrefix(filepath.Ext(filename), ".")
	if format == "" {
		format = "txt"
	}
	return ArtifactRef{Name: name, Path: path, SHA256: sha, Format: format}, nil
}

// fileFingerprint hashes every input file and emits FILE_HASH evidence.
func fileFingerprint(_ context.Context, call Call) Result {
	var evidences []Evidence
	for _, inp := range call.Inputs {
		info, err := os.Stat(inp.Path)
		if err != nil || info.IsDir() {
			return failed(model.ErrSkillBadInput, fmt.Sprintf("not a file: %s", inp.Path))
		}
		sha, err := sha256File(inp.Path)
		if err != nil {
			return failed(model.ErrSkillFailed, err.Error())
		}
		evidences = append(evidences, Evidence{
			Kind: "FILE_HASH",
			Data: map[string]any{"path": inp.Path, "sha256": sha, "size_bytes": info.Size()},
		})
	}
	return Result{Status: StatusOK, Artifacts: []ArtifactRef{}, Evidences: evidences}
}

// textExtract pulls plain text out of the first input file into an
// extracted.txt artifact. Only text-like formats are supported.
func textExtract(_ context.Context, call Call) Result {
	if len(call.Inputs) == 0 {
		return failed(model.ErrSkillBadInput, "text_extract requires one input file")
	}
	path := call.Inputs[0].Path
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "txt", "md", "json", "csv", "html", "log", "yaml", "yml":
	default:
		return failed(model.ErrSkillBadInput, fmt.Sprintf("unsupported format for text extraction: %s", ext))
	}
	text, err := readCapped(path)
	if err != nil {
		return failed(model.ErrSkillBadInput, err.Error())
	}
	art, err := writeArtifact(call, "extracted_text", "extracted.txt", text)
	if err != nil {
		return failed(model.ErrSkillFailed, err.Error())
	}
	return Result{Status: StatusOK, Artifacts: []ArtifactRef{art}, Evidences: []Evidence{{
		Kind: "TEXT_EXTRACT",
		Data: map[string]any{"source": path, "chars": len(text)},
	}}}
}

// templateRender substitutes {key} placeholders in a template file with
// values from params.data_json.
func templateRender(_ context.Context, call Call) Result {
	templatePath, _ := call.Params["template_path"].(string)
	if templatePath == "" {
		return failed(model.ErrSkillBadInput, "template_path is required")
	}
	template, err := readCapped(templatePath)
	if err != nil {
		return failed(model.ErrSkillBadInput, fmt.Sprintf("template not found: %s", templatePath))
	}

	data := map[string]any{}
	switch v := call.Params["data_json"].(type) {
	case map[string]any:
		data = v
	case string:
		_ = json.Unmarshal([]byte(v), &data)
	}
	content := template
	for k, v := range data {
		content = strings.ReplaceAll(content, "{"+k+"}", fmt.Sprint(v))
	}

	art, err := writeArtifact(call, "rendered", "rendered.md", content)
	if err != nil {
		return failed(model.ErrSkillFailed, err.Error())
	}
	return Result{Status: StatusOK, Artifacts: []ArtifactRef{art}, Evidences: []Evidence{}}
}

// diffArtifact writes a line diff between params.old_path and
// params.new_path as diff_summary.md.
func diffArtifact(_ context.Context, call Call) Result {
	oldPath, _ := call.Params["old_path"].(string)
	newPath, _ := call.Params["new_path"].(string)
	oldText, errOld := readCapped(oldPath)
	newText, errNew := readCapped(newPath)
	if errOld != nil || errNew != nil {
		return failed(model.ErrSkillBadInput, "old_path/new_path must exist")
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", oldPath, newPath)
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	art, err := writeArtifact(call, "diff_summary", "diff_summary.md", sb.String())
	if err != nil {
		return failed(model.ErrSkillFailed, err.Error())
	}
	return Result{Status: StatusOK, Artifacts: []ArtifactRef{art}, Evidences: []Evidence{}}
}

// validatorBasic checks that each input file exists, is non-empty and
// matches its recorded hash, emitting VALIDATION evidence per file.
func validatorBasic(_ context.Context, call Call) Result {
	if len(call.Inputs) == 0 {
		return failed(model.ErrSkillBadInput, "validator_basic requires inputs")
	}
	var evidences []Evidence
	for _, inp := range call.Inputs {
		verdict := "OK"
		detail := ""
		info, err := os.Stat(inp.Path)
		switch {
		case err != nil:
			verdict, detail = "MISSING", inp.Path
		case info.Size() == 0:
			verdict, detail = "EMPTY", inp.Path
		case inp.SHA256 != "":
			sha, herr := sha256File(inp.Path)
			if herr != nil {
				verdict, detail = "UNREADABLE", herr.Error()
			} else if sha != inp.SHA256 {
				verdict, detail = "HASH_MISMATCH", sha
			}
		}
		evidences = append(evidences, Evidence{
			Kind: "VALIDATION",
			Data: map[string]any{"path": inp.Path, "verdict": verdict, "detail": detail},
		})
		if verdict != "OK" {
			return Result{Status: StatusFailed, Artifacts: []ArtifactRef{}, Evidences: evidences,
				ErrorCode: model.ErrSkillBadInput, ErrorMsg: fmt.Sprintf("%s: %s", verdict, inp.Path)}
		}
	}
	return Result{Status: StatusOK, Artifacts: []ArtifactRef{}, Evidences: evidences}
}
