package kfmt

// Leveled logging built on top of Printf. Each helper routes through the
// same outputSink/earlyPrintBuffer path as Printf, tagging the line with a
// severity prefix so kernel log output can be grepped by subsystem and
// severity the way a hosted program would use a structured logger.
var (
	infoPrefix  = []byte("[info] ")
	warnPrefix  = []byte("[warn] ")
	errorPrefix = []byte("[error] ")
	newline     = []byte("\n")
)

func logLine(prefix []byte, format string, args []interface{}) {
	doWrite(outputSink, prefix)
	Printf(format, args...)
	if len(format) == 0 || format[len(format)-1] != '\n' {
		doWrite(outputSink, newline)
	}
}

// Info logs an informational message, e.g. the stack high-water-mark notice
// or the selected timer source. The line is newline-terminated whether or
// not the format string already ends in one.
func Info(format string, args ...interface{}) {
	logLine(infoPrefix, format, args)
}

// Warn logs a recoverable anomaly, e.g. a fallback from a preferred timer
// source to a degraded one.
func Warn(format string, args ...interface{}) {
	logLine(warnPrefix, format, args)
}

// Error logs a non-fatal error returned by a subsystem. Fatal conditions go
// through kernel/panic instead, not this function.
func Error(format string, args ...interface{}) {
	logLine(errorPrefix, format, args)
}
