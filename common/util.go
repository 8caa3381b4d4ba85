package common

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
	"github.com/pkg/errors"
)

// HTTPDialTimeout timeout used to establish an HTTP connection between nodes
var HTTPDialTimeout = 2 * time.Second

// HTTPTimeout timeout used in HTTP connections between nodes
var HTTPTimeout = 8 * time.Second

// MaxInferenceTimeout bounds a single dispatched inference request
var MaxInferenceTimeout = 15 * time.Minute

// MaxBodySize caps reading HTTP request and response bodies between nodes
var MaxBodySize = 10 * 1024 * 1024

// glog verbosity levels used with glog.V / clog.V
const (
	SHORT   = 4
	DEBUG   = 5
	VERBOSE = 6
)

var (
	ErrParseModel = fmt.Errorf("failed to parse model string")

	ErrNoCacheDir = fmt.Errorf("cannot resolve lepton cache dir")
)

var PkgRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomIDGenerator generates random hexadecimal string of specified length
// defined as variable for unit tests
var RandomIDGenerator = func(length uint) string {
	return hex.EncodeToString(RandomBytesGenerator(length))
}

var RandomBytesGenerator = func(length uint) []byte {
	x := make([]byte, length)
	PkgRNG.Read(x)
	return x
}

// RandName generates random hexadecimal string
func RandName() string {
	return RandomIDGenerator(10)
}

func JoinURL(url, path string) string {
	if !strings.HasSuffix(url, "/") && !strings.HasPrefix(path, "/") {
		return url + "/" + path
	}
	return url + path
}

// Read at most n bytes from an io.Reader
func ReadAtMost(r io.Reader, n int) ([]byte, error) {
	// Reading one extra byte to check if input Reader
	// had more than n bytes
	limitedReader := io.LimitReader(r, int64(n)+1)
	b, err := io.ReadAll(limitedReader)
	if err == nil && len(b) > n {
		return nil, errors.New("input bigger than max buffer size")
	}
	return b, err
}

// CacheDir resolves the lepton cache directory, creating it if needed.
// LEPTON_CACHE_DIR overrides the default of ~/.cache/lepton.
func CacheDir() (string, error) {
	dir := os.Getenv("LEPTON_CACHE_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", ErrNoCacheDir
		}
		dir = filepath.Join(home, ".cache", "lepton")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// DBPath returns the path of the local photon store inside the cache dir.
func DBPath() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lepton.db"), nil
}

func getGPUDefault() ([]*gpu.GraphicsCard, error) {
	gpu, err := ghw.GPU()

	if err != nil {
		return nil, err
	}

	return gpu.GraphicsCards, nil
}

func getPCIDefault() ([]*pci.Device, error) {
	pci, err := ghw.PCI()

	if err != nil {
		return nil, err
	}

	return pci.ListDevices(), nil
}

var getGPU = getGPUDefault
var getPCI = getPCIDefault

func detectNvidiaDevices() ([]string, error) {
	nvidiaCardCount := 0
	re := regexp.MustCompile("(?i)nvidia") // case insensitive match

	cards, err := getGPU()
	if err != nil {
		return nil, err
	}

	if len(cards) != 0 {
		for _, card := range cards {
			if card.DeviceInfo != nil && re.MatchString(card.DeviceInfo.Vendor.Name) {
				nvidiaCardCount += 1
			}
		}
	} else { // on VMs gpu.GraphicsCards may be empty
		rePCI := regexp.MustCompile("(?i)display ?controller")

		pci, err := getPCI()
		if err != nil {
			return nil, err
		}

		for _, device := range pci {
			// On some VMs the driver may be misreported as vfio-pci; rely on
			// device.Class.Name with a "Display controller"
			if device.Vendor != nil && re.MatchString(device.Vendor.Name) && (re.MatchString(device.Driver) || rePCI.MatchString(device.Class.Name)) {
				nvidiaCardCount += 1
			}
		}
	}

	if nvidiaCardCount == 0 {
		return nil, errors.New("no devices found with vendor name 'Nvidia'")
	}

	devices := []string{}

	for i := 0; i < nvidiaCardCount; i++ {
		s := strconv.Itoa(i)
		devices = append(devices, s)
	}

	return devices, nil
}

// ParseAccelDevices parses a comma-separated GPU device list, resolving
// "all" by probing the host hardware.
func ParseAccelDevices(devices string) ([]string, error) {
	if devices == "all" {
		return detectNvidiaDevices()
	}
	if devices == "" {
		return nil, nil
	}
	return strings.Split(devices, ","), nil
}

// ParseModelString splits a model string of the form "task:model-id".
// A bare model id gets the default task. Models with "ggml" in the id are
// served on the quantized path regardless of USE_INT.
func ParseModelString(model string) (task string, modelID string, err error) {
	if model == "" {
		return "", "", ErrParseModel
	}
	parts := strings.SplitN(model, ":", 2)
	if len(parts) == 1 {
		return DefaultTask, parts[0], nil
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", ErrParseModel
	}
	if parts[0] == "hf" {
		return DefaultTask, parts[1], nil
	}
	return parts[0], parts[1], nil
}

// DefaultAddr fills in missing host or port pieces of a bind address.
func DefaultAddr(addr, defaultHost, defaultPort string) string {
	if addr == "" {
		return defaultHost + ":" + defaultPort
	}
	if addr[0] == ':' {
		return defaultHost + addr
	}
	// not IPv6 safe
	if !strings.Contains(addr, ":") {
		return addr + ":" + defaultPort
	}
	return addr
}
