package logging_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/logging"
)

func TestInit_WritesRotatingFile(t *testing.T) {
	// GIVEN: A logs folder that does not exist yet
	// WHEN: Initializing with verbose logging and writing an event
	// THEN: The folder is created and the event lands in the log file

	saved := log.Logger
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, logging.Init(true, dir))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	log.Debug().Str("load_id", "abc").Msg("probe event")

	data, err := os.ReadFile(filepath.Join(dir, logging.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"load_id":"abc"`)
	assert.Contains(t, string(data), "probe event")
}

func TestInit_ConsoleOnly(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	require.NoError(t, logging.Init(false, ""))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
