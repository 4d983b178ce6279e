package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks through the settings most deployments change and
// saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	p := prompter{reader: reader, out: out}

	fmt.Fprintln(out, "── volley setup ──")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "── Game Socket ──")
	cfg.Network.ListenAddress = p.String("Listen address", cfg.Network.ListenAddress)
	cfg.Network.Port = p.Int("UDP port", cfg.Network.Port)
	cfg.Network.ProtocolVersion = p.String("Protocol version", cfg.Network.ProtocolVersion)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Server ──")
	cfg.Server.FrameRate = p.Int("Simulation frames per second", cfg.Server.FrameRate)
	cfg.Server.SendRate = p.Int("Snapshots per second", cfg.Server.SendRate)
	cfg.Server.LevelsDirectory = p.String("Levels directory", cfg.Server.LevelsDirectory)
	cfg.Server.DefaultLevel = p.String("Default level", cfg.Server.DefaultLevel)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Client ──")
	cfg.Client.ServerAddress = p.String("Server address", cfg.Client.ServerAddress)
	cfg.Client.LevelURL = p.String("Level download URL", cfg.Client.LevelURL)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Diagnostics ──")
	cfg.API.Enabled = p.Bool("Enable HTTP API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = p.Int("HTTP API port", cfg.API.Port)
	}
	cfg.Telemetry.Enabled = p.Bool("Enable MQTT telemetry", cfg.Telemetry.Enabled)
	if cfg.Telemetry.Enabled {
		cfg.Telemetry.BrokerURL = p.String("MQTT broker", cfg.Telemetry.BrokerURL)
		cfg.Telemetry.Port = p.Int("MQTT port", cfg.Telemetry.Port)
	}

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Configuration saved to %s\n", cfg.Path())
	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p prompter) read() string {
	input, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p prompter) String(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}

	input := p.read()
	if input == "" {
		return defaultVal
	}
	return input
}

func (p prompter) Int(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)

	input := p.read()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p prompter) Bool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.read())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
