package log_test

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/ChrisMoss87/crmflow/internal/log"
)

func TestGetLogger(t *testing.T) {
	logger := log.GetLogger()
	if assert.NotNil(t, logger) {
		assert.Same(t, logger, log.GetLogger())
		if os.Getenv("LOG_LEVEL") == "" {
			assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
		}
	}
}
