package utils

import (
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/houseofcat/muxpool/pkg/muxpool"
)

// ConvertJSONFileToConfig opens a file.json and converts to PoolSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*muxpool.PoolSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &muxpool.PoolSeasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertJSONBytesToConfig converts raw JSON bytes to PoolSeasoning.
func ConvertJSONBytesToConfig(data []byte) (*muxpool.PoolSeasoning, error) {

	config := &muxpool.PoolSeasoning{}
	var json = jsoniter.ConfigFastest
	err := json.Unmarshal(data, config)

	return config, err
}
