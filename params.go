package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/launchdarkly/batch-test-harness/framework"
	"github.com/launchdarkly/batch-test-harness/orchestrator"
	"github.com/launchdarkly/batch-test-harness/reportchannel"
)

type commandParams struct {
	serviceURL        string
	port              int
	host              string
	targets           stringList
	filters           framework.RegexFilters
	channelName       string
	timeoutMS         int
	abortOnFailedTest *bool
	configFile        string
	stopServiceAtEnd  bool
	debug             bool
	debugAll          bool
}

// fileParams is the format of the -config file. Command-line flags take precedence.
type fileParams struct {
	URL               string   `yaml:"url"`
	Channel           string   `yaml:"channel"`
	TestTimeoutMS     int      `yaml:"testTimeoutMs"`
	AbortOnFailedTest *bool    `yaml:"abortOnFailedTest"`
	Targets           []string `yaml:"targets"`
}

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

// Set is called by the command line parser
func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (c *commandParams) Read(args []string, errOut io.Writer) error {
	var abort bool
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&c.serviceURL, "url", "", "test service URL")
	fs.StringVar(&c.host, "host", "localhost", "external hostname of the test harness")
	fs.IntVar(&c.port, "port", defaultPort, "port that the test harness will listen on")
	fs.Var(&c.targets, "target", "target to run (may be repeated; default is every target the service lists)")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select targets to run")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select targets not to run")
	fs.StringVar(&c.channelName, "channel", reportchannel.DefaultChannelName, "report channel name")
	fs.IntVar(&c.timeoutMS, "timeout-ms", int(orchestrator.DefaultTestTimeout/time.Millisecond),
		"milliseconds a target may run without reporting completion")
	fs.BoolVar(&abort, "abort-on-failure", false, "stop each batch at its first failed test")
	fs.StringVar(&c.configFile, "config", "", "YAML file with defaults for these parameters")
	fs.BoolVar(&c.stopServiceAtEnd, "stop-service-at-end", false, "tell test service to exit after the test run")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed targets")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all targets")

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["abort-on-failure"] {
		c.abortOnFailedTest = &abort
	}

	if c.configFile != "" {
		if err := c.applyFile(c.configFile, set); err != nil {
			return err
		}
	}

	if c.serviceURL == "" {
		fs.Usage()
		return errors.New("-url is required")
	}
	if c.timeoutMS <= 0 {
		return errors.Errorf("-timeout-ms must be positive, not %d", c.timeoutMS)
	}
	return nil
}

func (c *commandParams) applyFile(path string, set map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	var fp fileParams
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return errors.Wrapf(err, "invalid config file %s", path)
	}
	if !set["url"] && fp.URL != "" {
		c.serviceURL = fp.URL
	}
	if !set["channel"] && fp.Channel != "" {
		c.channelName = fp.Channel
	}
	if !set["timeout-ms"] && fp.TestTimeoutMS != 0 {
		c.timeoutMS = fp.TestTimeoutMS
	}
	if !set["abort-on-failure"] && fp.AbortOnFailedTest != nil {
		c.abortOnFailedTest = fp.AbortOnFailedTest
	}
	if !set["target"] && len(fp.Targets) != 0 {
		c.targets = fp.Targets
	}
	return nil
}

func (c *commandParams) testTimeout() time.Duration {
	return time.Duration(c.timeoutMS) * time.Millisecond
}

// rerunCommand is a command line that runs only the specified target with the same settings.
func (c *commandParams) rerunCommand(program, target string) string {
	var b commandBuilder
	b.add(program, "-url", c.serviceURL)
	if c.host != "localhost" {
		b.add("-host", c.host)
	}
	if c.port != defaultPort {
		b.add("-port", fmt.Sprint(c.port))
	}
	if c.channelName != reportchannel.DefaultChannelName {
		b.add("-channel", c.channelName)
	}
	b.add("-timeout-ms", fmt.Sprint(c.timeoutMS))
	if c.abortOnFailedTest != nil && *c.abortOnFailedTest {
		b.add("-abort-on-failure")
	}
	b.add("-target", target, "-debug")
	return b.String()
}

type commandBuilder []string

func (b *commandBuilder) add(args ...string) {
	for _, a := range args {
		*b = append(*b, shellescape.Quote(a))
	}
}

func (b commandBuilder) String() string {
	return strings.Join(b, " ")
}
