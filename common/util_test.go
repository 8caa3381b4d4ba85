package common

import (
	"strings"
	"testing"

	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
	"github.com/jaypipes/pcidb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinURL(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("http://x/y", JoinURL("http://x", "y"))
	assert.Equal("http://x/y", JoinURL("http://x/", "y"))
	assert.Equal("http://x/y", JoinURL("http://x", "/y"))
}

func TestReadAtMost(t *testing.T) {
	assert := assert.New(t)
	b, err := ReadAtMost(strings.NewReader("hello"), 10)
	assert.NoError(err)
	assert.Equal("hello", string(b))
	_, err = ReadAtMost(strings.NewReader("hello"), 4)
	assert.Error(err)
	b, err = ReadAtMost(strings.NewReader("hello"), 5)
	assert.NoError(err)
	assert.Equal("hello", string(b))
}

func TestRandName(t *testing.T) {
	assert := assert.New(t)
	name := RandName()
	assert.Len(name, 20)
	assert.NotEqual(name, RandName())
}

func TestParseModelString(t *testing.T) {
	assert := assert.New(t)

	task, model, err := ParseModelString("text-generation:gpt2")
	assert.NoError(err)
	assert.Equal("text-generation", task)
	assert.Equal("gpt2", model)

	// bare model id gets the default task
	task, model, err = ParseModelString("gpt2")
	assert.NoError(err)
	assert.Equal(DefaultTask, task)
	assert.Equal("gpt2", model)

	// hf: prefix is shorthand for the default task
	task, model, err = ParseModelString("hf:distilgpt2")
	assert.NoError(err)
	assert.Equal(DefaultTask, task)
	assert.Equal("distilgpt2", model)

	_, _, err = ParseModelString("")
	assert.ErrorIs(err, ErrParseModel)
	_, _, err = ParseModelString(":gpt2")
	assert.ErrorIs(err, ErrParseModel)
	_, _, err = ParseModelString("text-generation:")
	assert.ErrorIs(err, ErrParseModel)
}

func TestDefaultAddr(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("0.0.0.0:21001", DefaultAddr("", "0.0.0.0", "21001"))
	assert.Equal("0.0.0.0:9999", DefaultAddr(":9999", "0.0.0.0", "21001"))
	assert.Equal("10.0.0.1:21001", DefaultAddr("10.0.0.1", "0.0.0.0", "21001"))
	assert.Equal("10.0.0.1:9999", DefaultAddr("10.0.0.1:9999", "0.0.0.0", "21001"))
}

func stubGPU(vendor string, count int) func() ([]*gpu.GraphicsCard, error) {
	return func() ([]*gpu.GraphicsCard, error) {
		var cards []*gpu.GraphicsCard
		for i := 0; i < count; i++ {
			cards = append(cards, &gpu.GraphicsCard{
				DeviceInfo: &pci.Device{
					Vendor: &pcidb.Vendor{Name: vendor},
				},
			})
		}
		return cards, nil
	}
}

func TestParseAccelDevices_ExplicitList(t *testing.T) {
	devices, err := ParseAccelDevices("0,2,3")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2", "3"}, devices)

	devices, err = ParseAccelDevices("")
	require.NoError(t, err)
	assert.Nil(t, devices)
}

func TestParseAccelDevices_All(t *testing.T) {
	oldGetGPU := getGPU
	defer func() { getGPU = oldGetGPU }()

	getGPU = stubGPU("NVIDIA Corporation", 2)
	devices, err := ParseAccelDevices("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, devices)

	getGPU = stubGPU("Intel Corporation", 1)
	getPCIOld := getPCI
	getPCI = func() ([]*pci.Device, error) { return nil, nil }
	defer func() { getPCI = getPCIOld }()
	_, err = ParseAccelDevices("all")
	assert.Error(t, err)
}
