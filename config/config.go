// Package config implements the line-based key=value configuration file
// format, plus the "-i <path>" bootstrap every cmd/ entrypoint calls
// before doing anything else.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the parsed key=value pairs plus typed accessors for the
// well-known keys the RPC framework reads.
type Config struct {
	values map[string]string
}

// Load parses args, expecting a single required "-i <path>" flag naming
// the config file. args should be os.Args[1:].
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("fiberd", flag.ContinueOnError)
	path := fs.String("i", "", "path to the key=value config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *path == "" {
		return nil, fmt.Errorf("config: -i <path> is required")
	}
	return LoadFile(*path)
}

// LoadFile parses the key=value config file at path, ignoring blank
// lines and lines starting with '#'. Whitespace is stripped before
// parsing.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	defer f.Close()

	c := &Config{values: make(map[string]string)}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.Join(strings.Fields(scanner.Text()), "")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+1:]
		c.values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return c, nil
}

// Get returns the raw value for key, or "" if absent.
func (c *Config) Get(key string) string {
	return c.values[key]
}

// RPCServerIP returns the "rpcserverip" key.
func (c *Config) RPCServerIP() string { return c.Get("rpcserverip") }

// RPCServerPort returns the "rpcserverport" key parsed as an int, or 0 if
// absent or unparsable.
func (c *Config) RPCServerPort() int { return c.intOf("rpcserverport") }

// ZookeeperIP returns the "zookeeperip" key.
func (c *Config) ZookeeperIP() string { return c.Get("zookeeperip") }

// ZookeeperPort returns the "zookeeperport" key parsed as an int, or 0 if
// absent or unparsable.
func (c *Config) ZookeeperPort() int { return c.intOf("zookeeperport") }

// ZookeeperAddr returns "ZookeeperIP:ZookeeperPort" for dialing.
func (c *Config) ZookeeperAddr() string {
	return fmt.Sprintf("%s:%d", c.ZookeeperIP(), c.ZookeeperPort())
}

// RPCServerAddr returns "RPCServerIP:RPCServerPort" for listening.
func (c *Config) RPCServerAddr() string {
	return fmt.Sprintf("%s:%d", c.RPCServerIP(), c.RPCServerPort())
}

func (c *Config) intOf(key string) int {
	v, err := strconv.Atoi(c.Get(key))
	if err != nil {
		return 0
	}
	return v
}
