package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/pingcap/check"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) writeConfig(c *C, content string) string {
	path := filepath.Join(c.MkDir(), "host.toml")
	c.Assert(ioutil.WriteFile(path, []byte(content), 0644), IsNil)
	return path
}

func (s *testConfigSuite) TestDefaults(c *C) {
	os.Unsetenv(LogLevelEnv)
	cfg := NewConfig()
	c.Assert(cfg.Parse(nil), IsNil)
	c.Assert(cfg.Port, Equals, defaultPort)
	c.Assert(cfg.ListenHost, Equals, defaultListenHost)
	c.Assert(cfg.Log.Level, Equals, "info")
	c.Assert(cfg.Transaction.DefaultLockTimeout.Duration, Equals, defaultLockTimeout)
	c.Assert(cfg.Transaction.MaxLockTimeout.Duration, Equals, defaultMaxLockTimeout)
	c.Assert(cfg.Gateway.HeartbeatInterval.Duration, Equals, defaultHeartbeatInterval)
	c.Assert(int(cfg.Reception.CompressThreshold), Equals, defaultCompressThreshold)
	c.Assert(cfg.Gateways, HasLen, 0)
}

func (s *testConfigSuite) TestFileAndFlags(c *C) {
	path := s.writeConfig(c, `
port = 9700
status-addr = "127.0.0.1:9710"

[[gateways]]
host = "10.0.0.1"
port = 9900

[[gateways]]
host = "10.0.0.2"
port = 9900
is-master = true

[transaction]
default-lock-timeout = "3s"
max-lock-timeout = "20s"

[reception]
compress-threshold = 0
max-frame-size = "1MiB"
`)
	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-config", path, "-port", "9701"}), IsNil)
	// Flags win over the file.
	c.Assert(cfg.Port, Equals, 9701)
	c.Assert(cfg.StatusAddr, Equals, "127.0.0.1:9710")
	c.Assert(cfg.Gateways, HasLen, 2)
	c.Assert(cfg.Gateways[1].IsMaster, IsTrue)
	c.Assert(cfg.Gateways[1].String(), Equals, "10.0.0.2:9900")
	c.Assert(cfg.Transaction.DefaultLockTimeout.Duration, Equals, 3*time.Second)
	c.Assert(cfg.Transaction.MaxLockTimeout.Duration, Equals, 20*time.Second)
	c.Assert(int(cfg.Reception.CompressThreshold), Equals, 0)
	c.Assert(int(cfg.Reception.MaxFrameSize), Equals, 1<<20)
	c.Assert(cfg.WarningMsgs, HasLen, 0)
}

func (s *testConfigSuite) TestUndecodedWarning(c *C) {
	path := s.writeConfig(c, "port = 9700\nunknown-item = 1\n")
	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-config", path}), IsNil)
	c.Assert(cfg.WarningMsgs, HasLen, 1)
	c.Assert(cfg.WarningMsgs[0], Matches, ".*unknown-item.*")
}

func (s *testConfigSuite) TestGatewaysFlag(c *C) {
	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-gateways", "127.0.0.1:9900, 127.0.0.1:9901"}), IsNil)
	c.Assert(cfg.Gateways, DeepEquals, []GatewayAddress{
		{Host: "127.0.0.1", Port: 9900, IsMaster: true},
		{Host: "127.0.0.1", Port: 9901},
	})

	cfg = NewConfig()
	c.Assert(cfg.Parse([]string{"-gateways", "no-port"}), NotNil)
}

func (s *testConfigSuite) TestLogLevelEnv(c *C) {
	os.Setenv(LogLevelEnv, "debug")
	defer os.Unsetenv(LogLevelEnv)

	cfg := NewConfig()
	c.Assert(cfg.Parse(nil), IsNil)
	c.Assert(cfg.Log.Level, Equals, "debug")

	cfg = NewConfig()
	c.Assert(cfg.Parse([]string{"-L", "warn"}), IsNil)
	c.Assert(cfg.Log.Level, Equals, "warn")
}

func (s *testConfigSuite) TestValidate(c *C) {
	cfg := NewConfig()
	c.Assert(cfg.Parse([]string{"-port", "70000"}), NotNil)

	cfg = NewConfig()
	cfg.Gateway.RetryInterval.Duration = time.Minute
	cfg.Gateway.MaxRetryInterval.Duration = time.Second
	c.Assert(cfg.Adjust(nil), NotNil)

	cfg = NewConfig()
	cfg.Transaction.DefaultLockTimeout.Duration = time.Minute
	cfg.Transaction.MaxLockTimeout.Duration = time.Second
	c.Assert(cfg.Adjust(nil), NotNil)

	cfg = NewConfig()
	c.Assert(cfg.Parse([]string{"extra"}), NotNil)
}
