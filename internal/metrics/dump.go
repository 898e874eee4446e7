package metrics

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteText writes every metric family in g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile dumps g to path, replacing any existing file.
func WriteFile(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics dump: %w", err)
	}
	if err := WriteText(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
