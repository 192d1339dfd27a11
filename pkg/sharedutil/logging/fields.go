/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides a small fluent builder over logrus.Fields so
// call sites compose structured context without repeating key strings.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Fields is a chainable structured-logging field set.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus converts the field set into logrus.Fields for use with
// logrus.WithFields.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// IncidentFields builds the standard field set for incident-lifecycle logging.
func IncidentFields(incidentID string, phase string) Fields {
	return NewFields().Component("incident").Resource("incident", incidentID).Custom("phase", phase)
}

// AgentFields builds the standard field set for an agent-run log line.
func AgentFields(role string, status string) Fields {
	return NewFields().Component("agent").Custom("role", role).Custom("status", status)
}

// ConsensusFields builds the standard field set for a consensus decision log line.
func ConsensusFields(incidentID string, approved bool, score float64) Fields {
	return NewFields().Component("consensus").Resource("incident", incidentID).Custom("approved", approved).Custom("weighted_score", score)
}
