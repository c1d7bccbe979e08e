package drill

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"baton/pkg/turn"
)

// defaultFormat returns the fmt verb string used when a role does not
// override Format. The letter emitters default to bare characters so two
// alternating roles reproduce the classic "AaBbCc..." stream.
func defaultFormat(kind EmitKind) string {
	switch kind {
	case EmitNumber:
		return "%d\n"
	case EmitUpper, EmitLower:
		return "%c"
	default:
		return "%s\n"
	}
}

// stepFor builds the turn.Step for one role. Steps run inside the
// scheduler's critical section, so writes to the shared sink need no extra
// locking. A flushable sink is flushed after every step, matching the
// write-then-flush discipline that keeps interleaved file output ordered.
func stepFor(r Role, w io.Writer, onStep func(role Role, pos, round int)) turn.Step {
	format := r.Format
	if format == "" {
		format = defaultFormat(r.Emit)
	}

	return func(pos, round int) error {
		var err error
		switch r.Emit {
		case EmitUpper:
			_, err = fmt.Fprintf(w, format, letterAt('A', round))
		case EmitLower:
			_, err = fmt.Fprintf(w, format, letterAt('a', round))
		case EmitText:
			_, err = fmt.Fprintf(w, format, r.Text)
		default:
			_, err = fmt.Fprintf(w, format, pos)
		}
		if err != nil {
			return err
		}
		if f, ok := w.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
		if onStep != nil {
			onStep(r, pos, round)
		}
		return nil
	}
}

// letterAt wraps past 'Z'/'z' so high-limit drills keep emitting letters
// instead of running off the alphabet.
func letterAt(base rune, round int) rune {
	return base + rune(round%26)
}

// buildSteps assembles the ordered step slice for a definition.
func buildSteps(def Definition, w io.Writer, onStep func(role Role, pos, round int)) []turn.Step {
	steps := make([]turn.Step, len(def.Roles))
	for i, r := range def.Roles {
		steps[i] = stepFor(r, w, onStep)
	}
	return steps
}

// openSink returns the writer a run emits into plus its close func.
// File sinks are truncated per run and buffered; the per-step flush in
// stepFor keeps the file current while the run progresses.
func openSink(def Definition) (io.Writer, func() error, error) {
	switch def.Sink {
	case SinkFile:
		f, err := os.OpenFile(def.SinkPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		bw := bufio.NewWriter(f)
		closeFn := func() error {
			if err := bw.Flush(); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		}
		return bw, closeFn, nil
	default:
		return os.Stdout, func() error { return nil }, nil
	}
}
