package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

const mushroomsCSV = `class,cap-shape,odor
p,x,p
e,x,a
e,b,l
p,x,p
`

func TestParseTables(t *testing.T) {
	tables, err := parseTables([]string{"mushrooms=data/m.csv", "b=x=y.csv"})
	if err != nil {
		t.Fatal(err)
	}
	if tables[0].name != "mushrooms" || tables[0].path != "data/m.csv" || tables[1].path != "x=y.csv" {
		t.Errorf("tables: %+v", tables)
	}
	for _, bad := range []string{"nopath", "=a.csv", "a="} {
		if _, err := parseTables([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestEncodeQuery(t *testing.T) {
	got := encodeQuery("training", []string{"class", "cap-shape"})
	want := "SELECT onehot(arrow_cast(`class`, 'Dictionary(Int32, Utf8)')) AS `class`, " +
		"onehot(arrow_cast(`cap-shape`, 'Dictionary(Int32, Utf8)')) AS `cap-shape` FROM `training`"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestExportTraining(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mushrooms.csv")
	if err := os.WriteFile(path, []byte(mushroomsCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.Set("target", "class")
	v.Set("csv-engine", csvEngineArrow)

	var buf bytes.Buffer
	if err := exportTraining(context.Background(), v, path, &buf); err != nil {
		t.Fatal(err)
	}

	// Features are cap-shape (x, b) then odor (p, a, l); p is the first class.
	want := []string{
		"1 0:1 2:1",
		"0 0:1 3:1",
		"0 1:1 4:1",
		"1 0:1 2:1",
	}
	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--log-level", "error"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "boostsql v"+version) {
		t.Errorf("version output: %q", out.String())
	}
}

func TestQueryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mushrooms.csv")
	if err := os.WriteFile(path, []byte(mushroomsCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"query", "--table", "m=" + path, "--log-level", "warn",
		"SELECT odor FROM m WHERE class = 'p'"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "| p ") != 2 {
		t.Errorf("output:\n%s", out.String())
	}
}
