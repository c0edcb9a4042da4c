package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/igtkit/igtk/logging"
	"github.com/igtkit/igtk/serial"
)

const fakeConfig = `{
	"pulse_interval_ms": 1,
	"trackers": [
		{
			"name": "optical",
			"type": "fake",
			"attributes": {
				"ports": [{"name": "a", "tools": ["pointer", "reference"]}],
				"step": [1, 0, 0]
			},
			"frequency_hz": 100,
			"reference_tool": {"port": 0, "tool": 1}
		}
	]
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "igtk.json")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	prev := logging.Global()
	t.Cleanup(func() { logging.ReplaceGlobal(prev) })
	var out, errOut bytes.Buffer
	err := NewApp(&out, &errOut).Run(append([]string{"igtk"}, args...))
	return out.String(), errOut.String(), err
}

func TestValidateAction(t *testing.T) {
	path := writeConfig(t, fakeConfig)
	out, _, err := runApp(t, "--config", path, "validate")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "optical")
	test.That(t, out, test.ShouldContainSubstring, "100Hz")
	test.That(t, out, test.ShouldContainSubstring, "0:1")
	test.That(t, out, test.ShouldContainSubstring, "is valid")

	bad := writeConfig(t, `{"trackers": [{"name": "optical", "type": "laser"}]}`)
	_, _, err = runApp(t, "-c", bad, "validate")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown adapter type")
}

func TestRunAction(t *testing.T) {
	path := writeConfig(t, fakeConfig)
	out, errOut, err := runApp(t, "-c", path, "run", "--duration", "100ms")
	test.That(t, err, test.ShouldBeNil)

	var rows []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "optical") {
			rows = append(rows, line)
		}
	}
	test.That(t, rows, test.ShouldHaveLength, 2)
	test.That(t, rows[0], test.ShouldContainSubstring, "pointer")
	test.That(t, rows[0], test.ShouldContainSubstring, "0:0")
	test.That(t, rows[1], test.ShouldContainSubstring, "reference")
	test.That(t, rows[1], test.ShouldContainSubstring, "0:1")
	// Every tool moves together, so each sits on the reference.
	test.That(t, rows[0], test.ShouldContainSubstring, "X:0.00, Y:0.00, Z:0.00")
	test.That(t, rows[0], test.ShouldContainSubstring, "0.00 deg about (1.000, 0.000, 0.000)")
	test.That(t, errOut, test.ShouldContainSubstring, "tool available")
}

func TestMissingConfigFlag(t *testing.T) {
	_, _, err := runApp(t, "validate")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "--config is required")
}

func TestPortsAction(t *testing.T) {
	prev := serial.ListPorts
	t.Cleanup(func() { serial.ListPorts = prev })

	serial.ListPorts = func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, nil }
	out, _, err := runApp(t, "ports")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "/dev/ttyUSB0")
	test.That(t, out, test.ShouldContainSubstring, "/dev/ttyUSB1")

	serial.ListPorts = func() ([]string, error) { return nil, nil }
	out, _, err = runApp(t, "ports")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "no serial ports found")

	serial.ListPorts = func() ([]string, error) { return nil, errors.New("permission denied") }
	_, _, err = runApp(t, "ports")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "listing serial ports")
}

func TestRunActionLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "igtk.log")
	cfg := strings.Replace(fakeConfig, `"pulse_interval_ms": 1,`,
		`"pulse_interval_ms": 1, "log_file": {"path": "`+logPath+`"},`, 1)
	_, _, err := runApp(t, "-c", writeConfig(t, cfg), "run", "--duration", "50ms")
	test.That(t, err, test.ShouldBeNil)

	logged, err := os.ReadFile(logPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logged), test.ShouldContainSubstring, "tracking")
}

func TestRunActionStartupFailure(t *testing.T) {
	path := writeConfig(t, `{"trackers": [{"name": "em", "type": "serial", "attributes": {"path": "/dev/igtk-missing"}}]}`)
	_, _, err := runApp(t, "-c", path, "run", "--duration", "10ms")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `tracker "em"`)
}
