package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/tidwall/pretty"
	"golang.org/x/term"
)

// writeJSON writes v as indented JSON, colored when w is a terminal.
func writeJSON(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out := pretty.Pretty(raw)
	if isTerminal(w) {
		out = pretty.Color(out, nil)
	}
	_, err = w.Write(out)
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
