package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relabs-tech/vn100_driver/internal/app"
	"github.com/relabs-tech/vn100_driver/internal/config"
	"github.com/relabs-tech/vn100_driver/internal/sensors"
)

var RootCmd = &cobra.Command{
	Use:   "vn100",
	Short: "VN-100 IMU driver publishing to MQTT",
	Long:  "VN-100 IMU driver publishing timestamped, frame-corrected records to MQTT",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			log.SetLevel(log.DebugLevel)
		}
	},
	SilenceUsage: true,
}

// loadConfig binds the command's flags over the settings file and
// environment, then initializes the global configuration.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd, bindings); err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	if err := config.InitGlobal(v, path); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := config.Get()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}

// bindFlags maps settings keys to the command's flags of the given names.
// Missing flags are skipped.
func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, flag := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

var deviceFlagBindings = map[string]string{
	"serial_port": "port",
	"baud_rate":   "baud",
	"debug":       "debug",
}

func StreamCmdFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("port", "p", "", "serial port of the VN-100")
	cmd.Flags().IntP("baud", "b", 0, "serial baud rate")
	cmd.Flags().IntP("rate", "r", 0, "IMU output rate in Hz, corrected to a divisor of 800")
	cmd.Flags().Int("sync-rate", 0, "sync-out pulse rate in Hz, 0 disables")
	cmd.Flags().Bool("text", false, "use ASCII VNIMU output instead of binary")
	cmd.Flags().Bool("enu", false, "publish in ENU instead of NED")
	cmd.Flags().Bool("simulate", false, "stream from the built-in simulator")
	cmd.Flags().String("broker", "", "MQTT broker URL")
}

func StreamCmdRunE(cmd *cobra.Command, args []string) error {
	bindings := map[string]string{
		"imu_rate":    "rate",
		"sync_rate":   "sync-rate",
		"enu_output":  "enu",
		"simulate":    "simulate",
		"mqtt_broker": "broker",
	}
	for k, f := range deviceFlagBindings {
		bindings[k] = f
	}
	cfg, err := loadConfig(cmd, bindings)
	if err != nil {
		return err
	}
	if text, _ := cmd.Flags().GetBool("text"); text {
		cfg.BinaryOutput = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunIMUProducer(ctx, cfg)
}

var StreamCmd = &cobra.Command{
	Use: "stream",
	SuggestFor: []string{
		"str", "run", "serve",
	},
	Short: "stream IMU records to MQTT",
	Long: `stream connects to the VN-100, configures its output and publishes every
sample to MQTT until interrupted. Settings are read, by increasing priority, from
1. built-in defaults
2. the settings file given by --config (default ./vn100_config.txt)
3. VN100_* environment variables
4. command line flags
`,
	Example: `  vn100 stream --port /dev/ttyUSB0 --rate 400
  vn100 stream --simulate --enu`,
	RunE: StreamCmdRunE,
}

var ProbeCmd = &cobra.Command{
	Use: "probe",
	SuggestFor: []string{
		"pro", "pr", "prob",
	},
	Short: "probe the compatible devices",
	Long: `probe lists the serial ports and queries every port that looks like a VN-100
(FTDI USB bridge) for its model, serial number and firmware.
Use --port to query one port regardless of its USB identity.
`,
	Example: `  vn100 probe
  vn100 probe --port /dev/ttyS0 --baud 921600`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		baud, _ := cmd.Flags().GetInt("baud")
		if baud == 0 {
			baud = sensors.DefaultBaudRate
		}

		var candidates []string
		if port != "" {
			candidates = []string{port}
		} else {
			ports, err := sensors.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
				if p.LikelyVN100() {
					candidates = append(candidates, p.Name)
				}
			}
		}

		for _, name := range candidates {
			info, err := sensors.Probe(sensors.Options{PortName: name, BaudRate: baud})
			if err != nil {
				fmt.Printf("%s: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: %s\n", name, info)
		}
		return nil
	},
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfigPath, "specify output path")
}

func InitCmdRunE(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"debug": "debug"})
	if err != nil {
		return err
	}

	if printOnly, _ := cmd.Flags().GetBool("print"); printOnly {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	output, _ := cmd.Flags().GetString("output")
	yes, _ := cmd.Flags().GetBool("yes")
	if _, err := os.Stat(output); err == nil && !yes {
		fmt.Printf("%s exists, overwrite? [y/N] ", output)
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			return nil
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	out, err := cfg.Dotenv()
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return err
	}
	log.Infof("configuration written to %s", output)
	return nil
}

var InitCmd = &cobra.Command{
	Use: "init",
	SuggestFor: []string{
		"ini", "in",
	},
	Short: "init create a configuration template",
	Long: `init create a configuration template.
If --print flag is present, the effective configuration will be printed to stdout as YAML.
Otherwise init writes a KEY=VALUE settings file to the path given by --output / -o.
If --yes / -y flag is present, an existing file is overwritten without confirmation.
`,
	Example: `  vn100 init --print
  vn100 init -o /etc/vn100/vn100_config.txt -y`,
	RunE: InitCmdRunE,
}

var RegistersCmd = &cobra.Command{
	Use: "registers",
	SuggestFor: []string{
		"reg", "regs", "register",
	},
	Short: "read device info and configuration registers",
	Long: `registers connects to the VN-100, prints its model, serial number and firmware,
then reads the given registers and prints their raw fields.
`,
	Example: `  vn100 registers
  vn100 registers --id 6 --id 75`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, deviceFlagBindings)
		if err != nil {
			return err
		}
		ids, _ := cmd.Flags().GetIntSlice("id")
		if len(ids) == 0 {
			ids = sensors.ConfigRegisters
		}

		dev, err := sensors.OpenVN100(sensors.Options{PortName: cfg.SerialPort, BaudRate: cfg.BaudRate})
		if err != nil {
			return err
		}
		defer dev.Close()

		info, err := dev.Info()
		if err != nil {
			return err
		}
		fmt.Println(info)
		for _, id := range ids {
			fields, err := dev.ReadRegister(id)
			if err != nil {
				fmt.Printf("register %2d: %v\n", id, err)
				continue
			}
			fmt.Printf("register %2d: %s\n", id, strings.Join(fields, ","))
		}
		return nil
	},
}

func deviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("port", "p", "", "serial port of the VN-100")
	cmd.Flags().IntP("baud", "b", 0, "serial baud rate")
}

func getRootCmd() *cobra.Command {
	RootCmd.PersistentFlags().String("config", config.DefaultConfigPath, "settings file path")
	RootCmd.PersistentFlags().Bool("debug", false, "toggle debug logging")

	StreamCmdFlags(StreamCmd)
	RootCmd.AddCommand(StreamCmd)

	deviceFlags(ProbeCmd)
	RootCmd.AddCommand(ProbeCmd)

	InitCmdFlags(InitCmd)
	RootCmd.AddCommand(InitCmd)

	deviceFlags(RegistersCmd)
	RegistersCmd.Flags().IntSlice("id", nil, "register id to read (repeatable)")
	RootCmd.AddCommand(RegistersCmd)

	return RootCmd
}

func Execute() {
	rootCmd := getRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
