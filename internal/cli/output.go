package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// printJSON writes v indented, for results meant to be piped.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
