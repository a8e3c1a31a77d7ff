package ops

import (
	. "fmt"
	"os"
	"runtime"
	"text/tabwriter"
)

// Version prints the build details stamped in at link time.
func Version(version, buildHash, buildDate string) {
	Println("datman")

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 1, ' ', 0)
	Fprintf(w, "%s\t%s\n", " Version:", version)
	Fprintf(w, "%s\t%s\n", " Git commit:", buildHash)
	Fprintf(w, "%s\t%s\n", " Built:", buildDate)
	Fprintf(w, "%s\t%s/%s\n", " Platform:", runtime.GOOS, runtime.GOARCH)
	w.Flush()
}
