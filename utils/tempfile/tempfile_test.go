package tempfile_test

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/oxicloud/storage-core/utils/tempfile"
)

func TestTempfileCreator(t *testing.T) {
	tfc := tempfile.NewCreator()

	dir := t.TempDir()

	targetFile := path.Join(dir, "foo")
	tf, random, err := tfc.Create(targetFile)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tf.Name())

	expectedName := targetFile + "-" + random
	if tf.Name() != expectedName {
		t.Fatalf("expected tempfile %q, got %q", expectedName, tf.Name())
	}

	expectedPrefix := targetFile + "-"
	if !strings.HasPrefix(tf.Name(), expectedPrefix) {
		t.Fatalf("expected tempfile %q to have prefix %q", tf.Name(), expectedPrefix)
	}
}

func TestTempfileCreatorUnique(t *testing.T) {
	tfc := tempfile.NewCreator()
	dir := t.TempDir()
	base := path.Join(dir, "blob")

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		f, _, err := tfc.Create(base)
		if err != nil {
			t.Fatal(err)
		}
		if seen[f.Name()] {
			t.Fatalf("duplicate tempfile name: %s", f.Name())
		}
		seen[f.Name()] = true
		f.Close()
		os.Remove(f.Name())
	}
}
