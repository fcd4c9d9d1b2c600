package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/slatedraw/slate/internal/canvas"
	"github.com/slatedraw/slate/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Deleted bool // include tombstoned elements
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <database> <note-id>",
		Short: "Dump a persisted note snapshot",
		Long: `Dump the persisted element snapshot for one note.

Reads the snapshot store directly; the note's session does not need to
be running.

Examples:
  slate inspect slate.db design-review
  slate inspect slate.db design-review --deleted --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Deleted, "deleted", false, "include tombstoned elements")

	return cmd
}

func runInspect(opts *InspectOptions, dbPath, noteID string, cmd *cobra.Command) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", dbPath))
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("opening database: %v", err))
	}
	defer st.Close()

	snap, ok, err := st.Load(cmd.Context(), noteID)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("loading note: %v", err))
	}
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("note %q has no persisted snapshot", noteID))
	}

	var elements []canvas.Element
	if err := json.Unmarshal(snap.Elements, &elements); err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("decoding snapshot: %v", err))
	}
	if !opts.Deleted {
		visible := elements[:0]
		for _, el := range elements {
			if !el.IsDeleted {
				visible = append(visible, el)
			}
		}
		elements = visible
	}
	sort.Slice(elements, func(i, j int) bool {
		if elements[i].ZIndex != elements[j].ZIndex {
			return elements[i].ZIndex < elements[j].ZIndex
		}
		return elements[i].ID < elements[j].ID
	})

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(elements)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "note %s: %d elements\n", noteID, len(elements))
	for _, el := range elements {
		marker := " "
		if el.IsDeleted {
			marker = "x"
		}
		fmt.Fprintf(w, "%s %-10s %-36s v%-4d at (%.1f, %.1f) %gx%g z=%d\n",
			marker, el.Type, el.ID, el.Version, el.X, el.Y, el.Width, el.Height, el.ZIndex)
	}
	return nil
}
