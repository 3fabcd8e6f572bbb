package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
tradeindex:
  name: tradeindex
  version: 1.0.0
storage:
  s3:
    bucket: market-data-bucket
    region: us-east-1
ingest:
  prefix: market-data/
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Ingest.PollingIntervalMs != DefaultPollingIntervalMs {
		t.Errorf("polling interval default wrong: %d", cfg.Ingest.PollingIntervalMs)
	}
	if cfg.Ingest.ReceiveMaxMsgs != DefaultReceiveMaxMsgs || cfg.Ingest.ReceiveWaitSecs != DefaultReceiveWaitSecs {
		t.Errorf("receive defaults wrong: %d/%d", cfg.Ingest.ReceiveMaxMsgs, cfg.Ingest.ReceiveWaitSecs)
	}
	if cfg.Index.NearestToleranceMs != DefaultNearestTolMs {
		t.Errorf("nearest tolerance default wrong: %d", cfg.Index.NearestToleranceMs)
	}
	if cfg.EventDriven() {
		t.Error("no queue url must select polling mode")
	}
}

func TestLoadConfigQueueSelectsEventMode(t *testing.T) {
	yaml := `
tradeindex:
  name: tradeindex
  version: 1.0.0
storage:
  s3:
    bucket: market-data-bucket
    region: us-east-1
  sqs:
    queue_url: https://sqs.us-east-1.amazonaws.com/123/trades
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.EventDriven() {
		t.Error("queue url must select event mode")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("S3_BUCKET", "override-bucket")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123/q")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.S3.Bucket != "override-bucket" {
		t.Errorf("S3_BUCKET override ignored: %s", cfg.Storage.S3.Bucket)
	}
	if !cfg.EventDriven() {
		t.Error("SQS_QUEUE_URL override ignored")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", `
tradeindex:
  version: 1.0.0
storage:
  s3:
    bucket: market-data-bucket
    region: us-east-1
`},
		{"missing bucket", `
tradeindex:
  name: tradeindex
  version: 1.0.0
storage:
  s3:
    region: us-east-1
`},
		{"invalid bucket", `
tradeindex:
  name: tradeindex
  version: 1.0.0
storage:
  s3:
    bucket: Bad_Bucket_Name
    region: us-east-1
`},
		{"publisher without collector", validYAML + `
publisher:
  enabled: true
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.yaml)); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"market-data", "a1b", "my.bucket.name"}
	invalid := []string{"ab", "UPPER", ".leading", "trailing.", "has..dots"}

	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}
