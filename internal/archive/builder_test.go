package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/yourusername/md-forge/internal/jobs"
)

// completedJob は outputRoot 以下に出力ディレクトリと成果物を実際に作成した
// completed 状態のレコードを返します。
func completedJob(t *testing.T, outputRoot, jobID, filename string, artifacts []string) *jobs.Record {
	t.Helper()
	outputDir := filepath.Join(outputRoot, jobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("failed to create output dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, jobs.ContentFilename), []byte("# "+filename), 0o640); err != nil {
		t.Fatalf("failed to write content file: %v", err)
	}
	for _, name := range artifacts {
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte("png"), 0o640); err != nil {
			t.Fatalf("failed to write artifact: %v", err)
		}
	}
	return &jobs.Record{
		JobID:     jobID,
		Filename:  filename,
		Status:    jobs.StatusCompleted,
		Progress:  100,
		Artifacts: artifacts,
		OutputDir: outputDir,
	}
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer reader.Close()

	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// assertNoResidue は outputRoot にステージングディレクトリが残っていないことを確認します。
func assertNoResidue(t *testing.T, outputRoot string) {
	t.Helper()
	entries, err := os.ReadDir(outputRoot)
	if err != nil {
		t.Fatalf("failed to read output root: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() && (strings.HasSuffix(e.Name(), "_package") || strings.HasPrefix(e.Name(), "batch_")) {
			t.Fatalf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestBuildSingle(t *testing.T) {
	root := t.TempDir()
	builder := NewBuilder(root, nil)
	job := completedJob(t, root, "job-1", "report.pdf", []string{"page-1.png", "page-2.png"})

	archive, err := builder.BuildSingle(job)
	if err != nil {
		t.Fatalf("BuildSingle returned error: %v", err)
	}
	defer archive.Cleanup()

	if archive.Filename != "report_complete.zip" {
		t.Fatalf("unexpected download name: %q", archive.Filename)
	}
	if archive.Size <= 0 {
		t.Fatalf("archive size = %d, want > 0", archive.Size)
	}

	entries := archiveEntries(t, archive.Path)
	want := []string{"images/page-1.png", "images/page-2.png", "report.md"}
	if len(entries) != len(want) {
		t.Fatalf("archive entries = %v, want %v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("archive entries = %v, want %v", entries, want)
		}
	}

	assertNoResidue(t, root)

	if err := archive.Cleanup(); err != nil {
		t.Fatalf("Cleanup returned error: %v", err)
	}
	if _, err := os.Stat(archive.Path); !os.IsNotExist(err) {
		t.Fatalf("archive file still exists after cleanup, stat err=%v", err)
	}
	// 2回目の呼び出しも安全
	if err := archive.Cleanup(); err != nil {
		t.Fatalf("second Cleanup returned error: %v", err)
	}
}

func TestBuildSingleNotReady(t *testing.T) {
	root := t.TempDir()
	builder := NewBuilder(root, nil)

	job := &jobs.Record{JobID: "job-1", Filename: "report.pdf", Status: jobs.StatusProcessing}
	if _, err := builder.BuildSingle(job); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	assertNoResidue(t, root)
}

func TestBuildSingleSkipsMissingArtifacts(t *testing.T) {
	root := t.TempDir()
	builder := NewBuilder(root, nil)
	job := completedJob(t, root, "job-1", "report.pdf", []string{"page-1.png"})
	job.Artifacts = append(job.Artifacts, "ghost.png") // ディスク上に存在しない

	archive, err := builder.BuildSingle(job)
	if err != nil {
		t.Fatalf("BuildSingle returned error: %v", err)
	}
	defer archive.Cleanup()

	entries := archiveEntries(t, archive.Path)
	for _, name := range entries {
		if strings.Contains(name, "ghost") {
			t.Fatalf("missing artifact ended up in the archive: %v", entries)
		}
	}
	if len(entries) != 2 {
		t.Fatalf("archive entries = %v, want report.md and images/page-1.png", entries)
	}
}

func TestBuildBatchCollisionNaming(t *testing.T) {
	root := t.TempDir()
	builder := NewBuilder(root, nil)
	candidates := []*jobs.Record{
		completedJob(t, root, "job-1", "doc.pdf", nil),
		completedJob(t, root, "job-2", "doc.pdf", nil),
		completedJob(t, root, "job-3", "doc.pdf", []string{"fig.png"}),
	}

	archive, err := builder.BuildBatch(candidates)
	if err != nil {
		t.Fatalf("BuildBatch returned error: %v", err)
	}
	defer archive.Cleanup()

	if archive.Filename != "all_converted_pdfs_3_files.zip" {
		t.Fatalf("unexpected download name: %q", archive.Filename)
	}

	entries := archiveEntries(t, archive.Path)
	want := []string{"doc/doc.md", "doc_1/doc.md", "doc_2/doc.md", "doc_2/images/fig.png"}
	if len(entries) != len(want) {
		t.Fatalf("archive entries = %v, want %v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("archive entries = %v, want %v", entries, want)
		}
	}
	assertNoResidue(t, root)
}

func TestBuildBatchSkipsUnfinishedJobs(t *testing.T) {
	root := t.TempDir()
	builder := NewBuilder(root, nil)
	candidates := []*jobs.Record{
		completedJob(t, root, "job-1", "a.pdf", nil),
		{JobID: "job-2", Filename: "b.pdf", Status: jobs.StatusProcessing},
		{JobID: "job-3", Filename: "c.pdf", Status: jobs.StatusFailed},
		nil,
	}

	archive, err := builder.BuildBatch(candidates)
	if err != nil {
		t.Fatalf("BuildBatch returned error: %v", err)
	}
	defer archive.Cleanup()

	if archive.Filename != "all_converted_pdfs_1_files.zip" {
		t.Fatalf("unexpected download name: %q", archive.Filename)
	}
	entries := archiveEntries(t, archive.Path)
	if len(entries) != 1 || entries[0] != "a/a.md" {
		t.Fatalf("archive entries = %v, want only a/a.md", entries)
	}
}

func TestBuildBatchEmpty(t *testing.T) {
	root := t.TempDir()
	builder := NewBuilder(root, nil)
	candidates := []*jobs.Record{
		{JobID: "job-1", Filename: "a.pdf", Status: jobs.StatusQueued},
		{JobID: "job-2", Filename: "b.pdf", Status: jobs.StatusFailed},
	}

	if _, err := builder.BuildBatch(candidates); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	assertNoResidue(t, root)
}

func TestStripExtension(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"report.pdf", "report"},
		{"archive.tar.pdf", "archive.tar"},
		{"noext", "noext"},
		{".pdf", "document"},
		{"", "document"},
	}
	for _, tc := range cases {
		if got := stripExtension(tc.in); got != tc.want {
			t.Errorf("stripExtension(%q) = %q, want %q", tc.in, tc.want, got)
		}
	}
}
