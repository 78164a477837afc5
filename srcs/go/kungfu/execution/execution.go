package execution

import (
	"github.com/sourcegraph/conc"

	"github.com/determined-ai/determined-sub004/srcs/go/utils"
)

// Par runs f for each of 0..n-1 in parallel and merges the errors.
func Par(n int, f func(int) error) error {
	errs := make([]error, n)
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		wg.Go(func() { errs[i] = f(i) })
	}
	wg.Wait()
	return utils.MergeErrors(errs, "par")
}
