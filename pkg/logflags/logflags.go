package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var gosym = false
var gotype = false
var infer = false
var target = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// GoSym returns true if the function table parser should log candidate
// sections and the reason each rejected candidate was discarded.
func GoSym() bool {
	return gosym
}

// GoSymLogger returns a logger for the function table parser.
func GoSymLogger() *logrus.Entry {
	return makeLogger(gosym, logrus.Fields{"layer": "gosym"})
}

// GoType returns true if moduledata location and type graph construction
// should log.
func GoType() bool {
	return gotype
}

// GoTypeLogger returns a logger for the type graph builder.
func GoTypeLogger() *logrus.Entry {
	return makeLogger(gotype, logrus.Fields{"layer": "gotype"})
}

// Infer returns true if the inference engine should log every guess it
// records and every stale guess it drops.
func Infer() bool {
	return infer
}

// InferLogger returns a logger for the inference engine.
func InferLogger() *logrus.Entry {
	return makeLogger(infer, logrus.Fields{"layer": "infer"})
}

// Target returns true if attach, analysis and reanalysis of the target
// process should log.
func Target() bool {
	return target
}

// TargetLogger returns a logger for target lifecycle events.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "target"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "target"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "gosym":
			gosym = true
		case "gotype":
			gotype = true
		case "infer":
			infer = true
		case "target":
			target = true
		}
	}
	return nil
}
