//go:build chirp_debug

package chirp

import "fmt"

func init() {
	releaseLogicError = func(id int) {
		panic(fmt.Sprintf("chirp: double release of slot %d", id))
	}
}
