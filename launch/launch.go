// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package launch

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// TimeFormat names the dated settings directories.
	TimeFormat = "20060102150405"

	settingsDir = "cps_settings"
	latestName  = "latest_settings"
	scriptName  = "run_robot.sh"

	sensorFile     = "all_sensor.yaml"
	dynamixelFile  = "config.yaml"
	controllerFile = "controller_config.yaml"

	// TmpSensorConfig and friends are where the single-launch
	// sensor and dynamixel commands expect their files.
	TmpSensorConfig     = "/tmp/" + sensorFile
	TmpDynamixelConfig  = "/tmp/" + dynamixelFile
	TmpControllerConfig = "/tmp/" + controllerFile
)

// Spec describes one launch of the robot stack.
type Spec struct {
	UseActuator bool
	UseSensor   bool
	UseCamera   bool

	// Local paths; empty means "do not send".
	SensorConfig     string
	DynamixelConfig  string
	ControllerConfig string
	// Files are sent as is, under their base name.
	Files []string

	// Namespace is the robot name.
	Namespace string
}

// Upload is one local file and where it goes on the robot.
type Upload struct {
	Local  string
	Remote string
}

// Layout fixes where things live on the robot.
type Layout struct {
	User string
	// Home defaults to /home/<User>.
	Home string
}

// HomeDir returns the remote home directory.
func (l Layout) HomeDir() string {
	if len(l.Home) != 0 {
		return l.Home
	}
	return path.Join("/home", l.User)
}

// Source returns the shell fragment that sets up the ROS environment.
func (l Layout) Source() string {
	h := l.HomeDir()
	return fmt.Sprintf("source %s && source %s", path.Join(h, ".ros_rc"), path.Join(h, "catkin_ws/devel/setup.bash"))
}

// LatestDir is the symlink that always points at the newest settings.
func (l Layout) LatestDir() string {
	return path.Join(l.HomeDir(), settingsDir, latestName)
}

// SettingsDir is the dated directory for settings sent at t.
func (l Layout) SettingsDir(t time.Time) string {
	return path.Join(l.HomeDir(), settingsDir, t.Format(TimeFormat))
}

// Settings is everything needed to install one set of settings.
type Settings struct {
	// Dir is the dated directory; Latest the symlink to it.
	Dir    string
	Latest string
	// Script is the content of run_robot.sh.
	Script string
	// Command creates Dir, repoints Latest and writes the script,
	// in one remote invocation.
	Command string
	// Uploads go into Dir once Command has run.
	Uploads []Upload
}

func boolArg(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// LaunchArgs returns the feature switches for run_robot.launch.
func LaunchArgs(s Spec) string {
	return fmt.Sprintf("use_dynamixel:=%s use_sensor:=%s use_camera:=%s",
		boolArg(s.UseActuator), boolArg(s.UseSensor), boolArg(s.UseCamera))
}

// Script returns run_robot.sh. The trap takes the whole process group
// down with the script, so interrupting the session stops roslaunch
// and everything it started. The script always reads its files through
// the latest_settings link.
func (l Layout) Script(s Spec) string {
	latest := l.LatestDir()
	launch := fmt.Sprintf("roslaunch %s dynamixel_settings:=%s controller_settings:=%s namespace:=%s sensor_config_path:=%s %s &",
		path.Join(l.HomeDir(), "cps_rpi/launch/run_robot.launch"),
		path.Join(latest, dynamixelFile),
		path.Join(latest, controllerFile),
		s.Namespace,
		path.Join(latest, sensorFile),
		LaunchArgs(s))
	return strings.Join([]string{
		`trap "trap - SIGTERM && kill -- -$$" SIGINT SIGTERM EXIT`,
		l.Source() + " && " + launch,
		"wait",
		"",
	}, "\n")
}

// echoArg renders the script as the argument to echo -e inside
// bash -lc "...": newlines become \n, and the characters the outer
// double quotes would eat are escaped. A backslash has to survive both
// the double quotes and echo -e, hence four. A single quote closes the
// argument, emits an escaped quote and reopens it.
func echoArg(script string) string {
	r := strings.NewReplacer(
		`\`, `\\\\`,
		`'`, `'\''`,
		`"`, `\"`,
		`$`, `\$`,
		"`", "\\`",
		"\n", `\n`,
	)
	return "'" + r.Replace(script) + "'"
}

// shellPath single-quotes p for the inner shell if it holds a quote or
// blank.
func shellPath(p string) string {
	if !strings.ContainsAny(p, "' \t") {
		return p
	}
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

// Settings builds the settings install for s at time t. Two calls within
// the same second produce the same Dir.
func (l Layout) Settings(t time.Time, s Spec) Settings {
	dir := l.SettingsDir(t)
	latest := l.LatestDir()
	script := l.Script(s)
	qdir, qlatest := shellPath(dir), shellPath(latest)
	write := fmt.Sprintf("echo -e %s > %s", echoArg(script), shellPath(path.Join(dir, scriptName)))
	cmd := fmt.Sprintf(`bash -lc "mkdir -p %s && rm -f %s && ln -s %s %s && %s"`,
		qdir, qlatest, qdir, qlatest, write)

	var up []Upload
	for _, f := range []struct{ local, name string }{
		{s.SensorConfig, sensorFile},
		{s.DynamixelConfig, dynamixelFile},
		{s.ControllerConfig, controllerFile},
	} {
		if len(f.local) == 0 {
			continue
		}
		up = append(up, Upload{Local: f.local, Remote: path.Join(dir, f.name)})
	}
	for _, f := range s.Files {
		up = append(up, Upload{Local: f, Remote: path.Join(dir, baseName(f))})
	}
	return Settings{Dir: dir, Latest: latest, Script: script, Command: cmd, Uploads: up}
}

// baseName handles both / and \ separated local paths.
func baseName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Base(p)
}

// SensorCommand starts the sensor node alone, reading its configuration
// from remoteConfig.
func (l Layout) SensorCommand(namespace, remoteConfig string) string {
	return fmt.Sprintf(`bash -lc "%s && roslaunch sensor_pi sensor_pi.launch config_path:=%s namespace:=%s"`,
		l.Source(), remoteConfig, namespace)
}

// DynamixelCommand starts the dynamixel controllers alone.
func (l Layout) DynamixelCommand(namespace, dynamixelConfig, controllerConfig string) string {
	return fmt.Sprintf(`bash -lc "%s && roslaunch dynamixel_irsl controllers.launch dynamixel_settings:=%s controller_settings:=%s namespace:=%s"`,
		l.Source(), dynamixelConfig, controllerConfig, namespace)
}
