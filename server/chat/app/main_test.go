package app

import (
	"io"
	"os"
	"testing"

	commonlog "permit_server/server/common/log"
)

func TestMain(m *testing.M) {
	commonlog.SetOutput(io.Discard)
	os.Exit(m.Run())
}
