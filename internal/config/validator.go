package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.Host != "" {
		u, err := url.Parse(c.Host)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.Add("host", fmt.Sprintf("invalid URL %q: must be http(s)://host", c.Host))
		}
	}

	if c.Users < 0 {
		errs.Add("users", "cannot be negative")
	}
	if c.SpawnRate <= 0 {
		errs.Add("spawnRate", "must be > 0")
	}
	if c.RunTime < 0 {
		errs.Add("runTime", "cannot be negative")
	}
	if c.GracefulStop < 0 {
		errs.Add("gracefulStop", "cannot be negative")
	}
	if c.HTTP.MaxRPS < 0 {
		errs.Add("http.maxRPS", "cannot be negative")
	}
	if c.HTTP.Timeout < 0 {
		errs.Add("http.timeout", "cannot be negative")
	}

	for i, st := range c.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if st.Duration <= 0 {
			errs.Add(prefix+".duration", "must be > 0")
		}
		if st.Target < 0 {
			errs.Add(prefix+".target", "cannot be negative")
		}
		if st.SpawnRate < 0 {
			errs.Add(prefix+".spawnRate", "cannot be negative")
		}
	}

	if len(c.UserClasses) == 0 {
		errs.Add("userClasses", "at least one user class is required")
	}
	seen := make(map[string]bool)
	for i := range c.UserClasses {
		uc := &c.UserClasses[i]
		prefix := fmt.Sprintf("userClasses[%d]", i)
		if uc.Name != "" {
			prefix = fmt.Sprintf("userClasses.%s", uc.Name)
			if seen[uc.Name] {
				errs.Add(prefix, "duplicate user class name")
			}
			seen[uc.Name] = true
		}
		validateUserClass(prefix, uc, c.Host, errs)
	}

	if err := c.Thresholds.Validate(); err != nil {
		errs.Add("thresholds", err.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateUserClass(prefix string, uc *UserClassConfig, host string, errs *ValidationErrors) {
	if uc.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}
	if uc.Weight <= 0 {
		errs.Add(prefix+".weight", "must be > 0")
	}
	if uc.MinWait < 0 {
		errs.Add(prefix+".minWait", "cannot be negative")
	}
	if uc.MaxWait < uc.MinWait {
		errs.Add(prefix+".maxWait", "must be >= minWait")
	}
	if uc.MaxIterations < 0 {
		errs.Add(prefix+".maxIterations", "cannot be negative")
	}
	if uc.MaxDuration < 0 {
		errs.Add(prefix+".maxDuration", "cannot be negative")
	}

	if len(uc.Tasks) == 0 {
		errs.Add(prefix+".tasks", "at least one task is required")
	}
	for i := range uc.Tasks {
		task := &uc.Tasks[i]
		tp := fmt.Sprintf("%s.tasks[%d]", prefix, i)
		if task.Name == "" {
			errs.Add(tp+".name", "name is required")
		}
		if task.Weight <= 0 {
			errs.Add(tp+".weight", "must be > 0")
		}
		if len(task.Requests) == 0 {
			errs.Add(tp+".requests", "at least one request is required")
		}
		for j := range task.Requests {
			validateRequest(fmt.Sprintf("%s.requests[%d]", tp, j), &task.Requests[j], host, errs)
		}
	}

	for i := range uc.OnStart {
		validateRequest(fmt.Sprintf("%s.onStart[%d]", prefix, i), &uc.OnStart[i], host, errs)
	}
	for i := range uc.OnStop {
		validateRequest(fmt.Sprintf("%s.onStop[%d]", prefix, i), &uc.OnStop[i], host, errs)
	}
}

func validateRequest(prefix string, req *RequestConfig, host string, errs *ValidationErrors) {
	if req.Path == "" {
		errs.Add(prefix+".path", "path is required")
	} else if host == "" && !isAbsoluteURL(req.Path) {
		errs.Add(prefix+".path", "relative path requires a host")
	}

	if req.Method != "" && !validMethods[strings.ToUpper(req.Method)] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid method: %s", req.Method))
	}
	if req.Body != "" && req.JSON != nil {
		errs.Add(prefix, "body and json are mutually exclusive")
	}
	if req.Timeout < 0 {
		errs.Add(prefix+".timeout", "cannot be negative")
	}

	if exp := req.Expect; exp != nil {
		for _, code := range exp.Status {
			if code < 100 || code > 599 {
				errs.Add(prefix+".expect.status", fmt.Sprintf("invalid status code: %d", code))
			}
		}
		for i, check := range exp.JSON {
			if check.Path == "" {
				errs.Add(fmt.Sprintf("%s.expect.json[%d].path", prefix, i), "path is required")
			}
		}
		if exp.MaxLatency < 0 {
			errs.Add(prefix+".expect.maxLatency", "cannot be negative")
		}
	}

	for i, ex := range req.Extract {
		ep := fmt.Sprintf("%s.extract[%d]", prefix, i)
		if ex.Name == "" {
			errs.Add(ep+".name", "name is required")
		}
		if (ex.JSON == "") == (ex.Header == "") {
			errs.Add(ep, "exactly one of json or header is required")
		}
	}
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
