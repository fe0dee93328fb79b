// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// rpictl controls a CPS robot over ssh.
//
// Synopsis:
//
//	rpictl [OPTIONS] COMMAND [ARGS]
//
// Commands:
//
//	send-settings [--actuator] [--sensor] [--camera] [--sensor-config f]
//	              [--dynamixel-config f] [--controller-config f] [files...]
//	start                      start (or restart) run_robot under supervisord
//	stop                       stop run_robot
//	state                      print the supervisord state of run_robot
//	sensor CONFIG              run the sensor node and show its output
//	dynamixel DXL CONTROLLER   run the dynamixel controllers and show their output
//	env                        print the ROS environment for this host
//	discover [URI]             find a robot with dns-sd
//
// sensor and dynamixel run until interrupted; the remote node is then
// stopped with ^C.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/IRSL-tut/cps-rpi/config"
	"github.com/IRSL-tut/cps-rpi/controller"
	"github.com/IRSL-tut/cps-rpi/ds"
	"github.com/IRSL-tut/cps-rpi/launch"
	"github.com/IRSL-tut/cps-rpi/session"
	flag "github.com/spf13/pflag"
	"github.com/u-root/u-root/pkg/ulog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var (
	configFile = flag.StringP("config", "c", "ros_settings.yaml", "robot settings file")
	robot      = flag.StringP("robot", "r", "", "robot name, used as the ROS namespace")
	debug      = flag.BoolP("debug", "d", false, "enable debug prints")
	dump       = flag.Bool("dump", false, "Dump copious output to a temp file at exit")
	timeout    = flag.Duration("timeout", 0, "bound on connecting and on supervisord calls; 0 means none")
	settle     = flag.Duration("settle", controller.DefaultSettle, "how long send-settings waits for the remote directory")
	askPass    = flag.Bool("ask-pass", false, "prompt for the password instead of reading it from the settings file")
	knownHosts = flag.String("known-hosts", "", "known_hosts file for host keys; overrides known_hosts in the settings file")
	poll       = flag.Duration("poll", 50*time.Millisecond, "how often sensor and dynamixel check for output")

	v          = func(string, ...interface{}) {}
	dumpWriter *os.File
)

// flags parses the global options. Parsing stops at the command, so
// the command's own flags reach it untouched.
func flags(args []string) {
	flag.Usage = usage
	flag.CommandLine.SetInterspersed(false)
	if err := flag.CommandLine.Parse(args); err != nil {
		usage()
	}
	if *dump && *debug {
		log.Fatalf("You can only set either dump OR debug")
	}
	if *debug {
		v = log.Printf
		controller.SetVerbose(log.Printf)
	}
	if *dump {
		var err error
		dumpWriter, err = os.CreateTemp("", "rpictl")
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Logging to %s", dumpWriter.Name())
		ulog.Log = log.New(dumpWriter, "", log.Ltime|log.Lmicroseconds)
		v = ulog.Log.Printf
		controller.SetVerbose(ulog.Log.Printf)
	}
}

func usage() {
	var b bytes.Buffer
	flag.CommandLine.SetOutput(&b)
	flag.PrintDefaults()
	log.Fatalf(`Usage: rpictl [options] command [args]:
commands: send-settings, start, stop, state, sensor, dynamixel, env, discover
%v`, b.String())
}

// settings loads the settings file and applies the command line
// overrides.
func settings() (config.Settings, error) {
	var prompt func(config.Settings) (string, error)
	if *askPass {
		prompt = readPassword
	}
	return loadSettings(*configFile, *knownHosts, prompt)
}

// loadSettings loads path. If prompt is set, the password comes from it
// and the file need not have one.
func loadSettings(path, knownHosts string, prompt func(config.Settings) (string, error)) (config.Settings, error) {
	cfg, err := config.Load(path)
	var me *config.MissingKeyError
	if errors.As(err, &me) && me.Key == "password" && prompt != nil {
		err = nil
	}
	if err != nil {
		return cfg, err
	}
	if len(knownHosts) != 0 {
		cfg.KnownHosts = knownHosts
	}
	if prompt != nil {
		pw, err := prompt(cfg)
		if err != nil {
			return cfg, err
		}
		cfg.Password = pw
	}
	return cfg, nil
}

func readPassword(cfg config.Settings) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--ask-pass: stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", cfg.Username, cfg.RobotIPAddr)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func dial(ctx context.Context) (*controller.Controller, error) {
	cfg, err := settings()
	if err != nil {
		return nil, err
	}
	name := *robot
	if len(name) == 0 {
		return nil, fmt.Errorf("no robot name; use --robot")
	}
	// The robot must outlive rpictl start.
	return controller.New(ctx, name, cfg,
		controller.WithTimeout(*timeout),
		controller.WithSettle(*settle),
		controller.WithKeepRobot(true))
}

// settingsSpec parses the send-settings arguments.
func settingsSpec(args []string) (launch.Spec, error) {
	var spec launch.Spec
	f := flag.NewFlagSet("send-settings", flag.ContinueOnError)
	f.BoolVar(&spec.UseActuator, "actuator", true, "use the dynamixel actuators")
	f.BoolVar(&spec.UseSensor, "sensor", true, "use the sensors")
	f.BoolVar(&spec.UseCamera, "camera", false, "use the camera")
	f.StringVar(&spec.SensorConfig, "sensor-config", "", "sensor configuration file")
	f.StringVar(&spec.DynamixelConfig, "dynamixel-config", "", "dynamixel configuration file")
	f.StringVar(&spec.ControllerConfig, "controller-config", "", "controller configuration file")
	if err := f.Parse(args); err != nil {
		return spec, err
	}
	spec.Files = f.Args()
	return spec, nil
}

func sendSettings(ctx context.Context, c *controller.Controller, args []string) error {
	spec, err := settingsSpec(args)
	if err != nil {
		return err
	}
	st, err := c.SendSettings(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Printf("settings installed in %s\n", st.Dir)
	return nil
}

// stream shows the output of the session under k until it exits or we
// are told to stop, and then disconnects it.
func stream(ctx context.Context, c *controller.Controller, k session.Key) error {
	t := time.NewTicker(*poll)
	defer t.Stop()
	for {
		if out := c.Output(k); len(out) != 0 {
			os.Stdout.WriteString(out)
		}
		if !c.Active(k) {
			v("rpictl:%v exited", k)
			return c.Disconnect(k)
		}
		select {
		case <-ctx.Done():
			v("rpictl:stopping %v", k)
			return c.Disconnect(k)
		case <-t.C:
		}
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "env":
		cfg, err := settings()
		if err != nil {
			return err
		}
		if ds.IsURI(cfg.RobotIPAddr) {
			host, _, err := ds.Resolve(ctx, cfg.RobotIPAddr)
			if err != nil {
				return err
			}
			cfg.RobotIPAddr = host
		}
		for _, e := range cfg.ROSEnv().Environ() {
			fmt.Printf("export %s\n", e)
		}
		return nil
	case "discover":
		uri := ds.DsDefault
		if len(args) > 0 {
			uri = args[0]
		}
		q, err := ds.Parse(uri)
		if err != nil {
			return err
		}
		host, port, err := ds.Lookup(ctx, q)
		if err != nil {
			return err
		}
		fmt.Printf("%s:%s\n", host, port)
		return nil
	}

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	switch cmd {
	case "send-settings":
		return sendSettings(ctx, c, args)
	case "start":
		return c.StartRobot(ctx)
	case "stop":
		if err := c.BindRobot(); err != nil {
			return err
		}
		return c.StopRobot(ctx)
	case "state":
		state, err := c.RobotState(ctx)
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	case "sensor":
		if len(args) != 1 {
			return fmt.Errorf("usage: sensor CONFIG")
		}
		if err := c.ConnectSensor(args[0]); err != nil {
			return err
		}
		return stream(ctx, c, session.Sensor)
	case "dynamixel":
		if len(args) != 2 {
			return fmt.Errorf("usage: dynamixel DYNAMIXEL_CONFIG CONTROLLER_CONFIG")
		}
		if err := c.ConnectDynamixel(args[0], args[1]); err != nil {
			return err
		}
		return stream(ctx, c, session.Dynamixel)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func main() {
	flags(os.Args[1:])
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}
	verbose := strings.Join(args, " ")
	v("rpictl: %s", verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()

	err := run(ctx, args[0], args[1:])
	if dumpWriter != nil {
		dumpWriter.Close()
	}
	if err != nil {
		e := 1
		log.Printf("rpictl %s: %v", args[0], err)
		sshErr := &ssh.ExitError{}
		if errors.As(err, &sshErr) {
			e = sshErr.ExitStatus()
		}
		cancel()
		os.Exit(e)
	}
}
