// Copyright 2024-2025 The grpcpool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package grpcpool

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/muxlab/grpcpool/affinity"
)

// ApiConfig is the JSON configuration format shared by the grpc-gcp family
// of channel-pool libraries:
//
//	{
//		"channelPool": {
//			"maxSize": 4,
//			"maxConcurrentStreamsLowWatermark": 2
//		},
//		"method": [
//			{
//				"name": ["/some.api.v1/CreateSession"],
//				"affinity": {"command": "BIND", "affinityKey": "name"}
//			}
//		]
//	}
//
// Use [WithApiConfig] to apply one to a pool.
type ApiConfig struct {
	ChannelPool ChannelPoolConfig `json:"channelPool"`
	Method      []MethodConfig    `json:"method"`
}

// ChannelPoolConfig carries the pool sizing knobs. Zero values mean "keep
// the pool's default".
type ChannelPoolConfig struct {
	MaxSize                          int `json:"maxSize"`
	MinSize                          int `json:"minSize"`
	MaxConcurrentStreamsLowWatermark int `json:"maxConcurrentStreamsLowWatermark"`
}

// MethodConfig attaches one affinity declaration to one or more methods.
type MethodConfig struct {
	Name     []string        `json:"name"`
	Affinity *AffinityConfig `json:"affinity"`
}

// AffinityConfig is the wire form of an [affinity.Rule]: a command spelled
// "BOUND", "BIND", or "UNBIND" and the field path carrying the key.
type AffinityConfig struct {
	Command     string `json:"command"`
	AffinityKey string `json:"affinityKey"`
}

// ParseApiConfig decodes an ApiConfig from its JSON form.
func ParseApiConfig(data []byte) (*ApiConfig, error) {
	var config ApiConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("grpcpool: parsing api config: %w", err)
	}
	return &config, nil
}

// LoadApiConfig reads and decodes an ApiConfig from a JSON file.
func LoadApiConfig(path string) (*ApiConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("grpcpool: reading api config: %w", err)
	}
	return ParseApiConfig(data)
}

// Table converts the method sections into an affinity rule table. Methods
// without an affinity section contribute no rule.
func (c *ApiConfig) Table() (*affinity.Table, error) {
	var rules []affinity.Rule
	for _, method := range c.Method {
		if method.Affinity == nil {
			continue
		}
		command, err := affinity.ParseCommand(method.Affinity.Command)
		if err != nil {
			return nil, err
		}
		for _, name := range method.Name {
			rules = append(rules, affinity.Rule{
				Method:  name,
				Command: command,
				Key:     method.Affinity.AffinityKey,
			})
		}
	}
	return affinity.NewTable(rules...)
}
