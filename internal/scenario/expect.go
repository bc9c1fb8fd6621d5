package scenario

import (
	"bytes"
	"fmt"
	"time"

	"github.com/wesleyorama2/horde/internal/config"
	"github.com/wesleyorama2/horde/internal/load"
	"github.com/wesleyorama2/horde/pkg/jsonpath"
	"github.com/wesleyorama2/horde/pkg/jsonschema"
)

// buildClassifier turns an expect block into a classifier. Checks run in
// order status, latency, body, json, schema and the first failure wins.
func buildClassifier(exp *config.ExpectConfig) (load.Classifier, error) {
	if exp == nil {
		return load.DefaultClassifier, nil
	}

	status := load.DefaultClassifier
	if len(exp.Status) > 0 {
		status = load.ExpectStatus(exp.Status...)
	}

	var schema *jsonschema.Schema
	if exp.Schema != nil {
		s, err := jsonschema.Compile(exp.Schema)
		if err != nil {
			return nil, err
		}
		schema = s
	}

	maxLatency := time.Duration(exp.MaxLatency)
	contains := make([][]byte, len(exp.BodyContains))
	for i, s := range exp.BodyContains {
		contains[i] = []byte(s)
	}
	checks := exp.JSON

	return func(resp *load.Response) error {
		if err := status(resp); err != nil {
			return err
		}
		if maxLatency > 0 && resp.Elapsed > maxLatency {
			return fmt.Errorf("latency %s exceeds %s", resp.Elapsed.Round(time.Millisecond), maxLatency)
		}
		for i, want := range contains {
			if !bytes.Contains(resp.Body, want) {
				return fmt.Errorf("body does not contain %q", exp.BodyContains[i])
			}
		}
		for _, check := range checks {
			if err := checkJSON(resp.Body, check); err != nil {
				return err
			}
		}
		if schema != nil {
			if err := schema.Validate(resp.Body); err != nil {
				return fmt.Errorf("schema: %w", err)
			}
		}
		return nil
	}, nil
}

func checkJSON(body []byte, check config.JSONCheck) error {
	result := jsonpath.Lookup(body, check.Path)
	if !result.Exists() {
		if check.Exists || check.Equals != nil {
			return fmt.Errorf("json %s: missing", check.Path)
		}
		return nil
	}
	if check.Equals != nil && result.String() != *check.Equals {
		return fmt.Errorf("json %s = %q, want %q", check.Path, result.String(), *check.Equals)
	}
	return nil
}
