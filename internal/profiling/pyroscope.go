//go:build pyroscope
// +build pyroscope

// Package profiling starts continuous profiling when built with the
// pyroscope tag.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling, tagging the profiles with the
// name of the tunnel half unless PYROSCOPE_SERVICE_TAG says otherwise.
func Start(log *logging.Logger, half string) error {
	log.Info("Starting Pyroscope")

	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return errors.New("PYROSCOPE_SERVER_ADDRESS is not set")
	}

	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "katzentunnel"
	}

	serviceTag := os.Getenv("PYROSCOPE_SERVICE_TAG")
	if serviceTag == "" {
		serviceTag = half
	}

	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": serviceTag,
		},
	})
	if err != nil {
		return err
	}
	log.Infof("Pyroscope started at %s, app name: %s, service tag: %s", serverAddress, appName, serviceTag)
	return nil
}
