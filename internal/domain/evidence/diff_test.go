package evidence_test

import (
	"testing"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
)

func TestParseNumstat(t *testing.T) {
	out := "10\t2\tsrc/a.py\n" +
		"-\t-\tassets/logo.png\n" +
		"3\t0\tsrc/{old => new}/b.py\n" +
		"1\t1\tREADME => README.md\n"
	d, err := evidence.ParseNumstat(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.ChangedFilesCount != 4 || d.AddedLines != 14 || d.DeletedLines != 3 || d.BinaryFiles != 1 {
		t.Errorf("stats = %+v", d)
	}
	if d.ChangedFiles[2] != "src/new/b.py" || d.ChangedFiles[3] != "README.md" {
		t.Errorf("renames = %v", d.ChangedFiles)
	}

	d.AddFile("new.txt", 5)
	if d.ChangedFilesCount != 5 || d.AddedLines != 19 {
		t.Errorf("after AddFile: %+v", d)
	}
}

func TestParseNumstat_Malformed(t *testing.T) {
	if _, err := evidence.ParseNumstat("garbage line"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := evidence.ParseNumstat("x\t1\tf"); err == nil {
		t.Fatal("expected error for non-numeric count")
	}
}
