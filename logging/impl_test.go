package logging

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

type BasicStruct struct {
	X int
	y string
}

type User struct {
	Name string
}

type StructWithStruct struct {
	x int
	Y User
	z string
}

// assertLogMatches will fuzzy match log lines. Notably, this checks the time format, but ignores
// the exact time. And it expects a match on the filename, but the exact line number can be wrong.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualTrimmed := strings.TrimSuffix(output, "\n")
	actualParts := strings.Split(actualTrimmed, "\t")
	expectedParts := strings.Split(expected, "\t")
	// Use the length of the first string as a weak verification of checking that the result looks like a date.
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	// Log level.
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])

	// Filename:line_number.
	actualFilename, actualLineNumber, found := strings.Cut(actualParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, found := strings.Cut(expectedParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLineNumber)
	test.That(t, err, test.ShouldBeNil)

	// Log message.
	test.That(t, actualParts[3], test.ShouldEqual, expectedParts[3])

	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	if len(actualParts) == 4 {
		return
	}

	// JSON encoding of maps can be unpredictable because map iteration order can change between
	// runs. Parse the output into maps and assert on map equality.
	expectedMap := make(map[string]any)
	err = json.Unmarshal([]byte(expectedParts[4]), &expectedMap)
	test.That(t, err, test.ShouldBeNil)

	actualMap := make(map[string]any)
	err = json.Unmarshal([]byte(actualParts[4]), &actualMap)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"", NewAtomicLevelAt(DEBUG), false, []Appender{NewWriterAppender(notStdout)}}

	logger.Info("impl Info log")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	INFO	logging/impl_test.go:80	impl Info log`)

	logger.Infof("impl %s log", "infof")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:45:20.764-0400	INFO	logging/impl_test.go:84	impl infof log`)

	logger.Warnw("impl logw", "key", "value")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:19:45.806-0400	WARN	logging/impl_test.go:88	impl logw	{"key":"value"}`)

	logger.Infow("StructWithStruct", "key", "val", "StructWithStruct", StructWithStruct{1, User{"alice"}, "foo"})
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	INFO	logging/impl_test.go:92	StructWithStruct	{"StructWithStruct":{"Y":{"Name":"alice"}},"key":"val"}`)

	logger.Infow("BasicStruct", "implOneKey", "1val", "BasicStruct", BasicStruct{1, "alice"})
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	INFO	logging/impl_test.go:96	BasicStruct	{"BasicStruct":{"X":1},"implOneKey":"1val"}`)

	logger.Errorw("unpaired", "dangling")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	ERROR	logging/impl_test.go:100	unpaired	{"dangling":"unpaired log key"}`)
}

func TestLevelFiltering(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"", NewAtomicLevelAt(WARN), true, []Appender{NewWriterAppender(notStdout)}}

	logger.Debug("dropped")
	logger.Info("dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.Warn("kept")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "kept")

	notStdout.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)
	test.That(t, logger.Level(), test.ShouldEqual, zapcore.ErrorLevel)
}

func TestSubloggerNames(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{"igtk", NewAtomicLevelAt(DEBUG), true, []Appender{NewWriterAppender(notStdout)}}

	sub := logger.Sublogger("tracker").Sublogger("fake")
	sub.Info("hello")
	parts := strings.Split(strings.TrimSuffix(notStdout.String(), "\n"), "\t")
	test.That(t, parts[2], test.ShouldEqual, "igtk.tracker.fake")

	// Subloggers copy the level at creation but are adjusted independently.
	sub.SetLevel(ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
}

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Warnw("degenerate rotation", "port", 0, "tool", 1)
	logger.Debug("noise")

	test.That(t, logs.FilterMessage("degenerate rotation").Len(), test.ShouldEqual, 1)
	entry := logs.FilterMessage("degenerate rotation").All()[0]
	test.That(t, entry.Level, test.ShouldEqual, zapcore.WarnLevel)
	test.That(t, entry.ContextMap()["tool"], test.ShouldEqual, int64(1))
	test.That(t, logs.FilterLevelExact(zapcore.DebugLevel).Len(), test.ShouldEqual, 1)
}

func TestLevelFromString(t *testing.T) {
	for inp, expected := range map[string]Level{
		"debug":    DEBUG,
		"INFO":     INFO,
		"warning":  WARN,
		"Warn":     WARN,
		"critical": ERROR,
		"error":    ERROR,
	} {
		level, err := LevelFromString(inp)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, expected)
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldBeError)

	var level Level
	test.That(t, json.Unmarshal([]byte(`"warn"`), &level), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	test.That(t, json.Unmarshal([]byte(`"loud"`), &level), test.ShouldBeError)
}

func TestReplaceGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { ReplaceGlobal(prev) })
	test.That(t, prev.GetLevel(), test.ShouldEqual, INFO)

	logger, logs := NewObservedTestLogger(t)
	ReplaceGlobal(logger)
	Global().Infow("tracker opened", "name", "optical")
	test.That(t, logs.FilterMessage("tracker opened").Len(), test.ShouldEqual, 1)
}
