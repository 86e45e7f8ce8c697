package aresolve

import (
	"expvar"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Log is the package-level logger used for operational events (context
// startup, cache insert failures, cache housekeeping sweeps). The core never logs anything
// that affects a resolution decision; logging is purely observational
// and the host may replace this with its own configured instance, same
// as the teacher library's exported Log variable.
var Log = logrus.New()

func init() {
	// Silent by default; hosts opt in with aresolve.Log.SetLevel(...).
	Log.SetLevel(logrus.WarnLevel)
}

// Get an *expvar.Int with the given path.
func getVarInt(base, id, name string) *expvar.Int {
	fullname := fmt.Sprintf("aresolve.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}
