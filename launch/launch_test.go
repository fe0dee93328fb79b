// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package launch

import (
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var when = time.Date(2024, 3, 5, 6, 7, 8, 0, time.UTC)

func TestLaunchArgs(t *testing.T) {
	for _, tt := range []struct {
		s    Spec
		want string
	}{
		{Spec{UseActuator: true}, "use_dynamixel:=true use_sensor:=false use_camera:=false"},
		{Spec{UseSensor: true, UseCamera: true}, "use_dynamixel:=false use_sensor:=true use_camera:=true"},
		{Spec{UseActuator: true, UseSensor: true, UseCamera: true}, "use_dynamixel:=true use_sensor:=true use_camera:=true"},
	} {
		if got := LaunchArgs(tt.s); got != tt.want {
			t.Errorf("LaunchArgs(%+v): got %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestSettingsPaths(t *testing.T) {
	l := Layout{User: "pi"}
	s := l.Settings(when, Spec{Namespace: "robot"})
	if s.Dir != "/home/pi/cps_settings/20240305060708" {
		t.Errorf("Dir: got %q", s.Dir)
	}
	if s.Latest != "/home/pi/cps_settings/latest_settings" {
		t.Errorf("Latest: got %q", s.Latest)
	}
	// Same second, same directory.
	if again := l.Settings(when.Add(400*time.Millisecond), Spec{}); again.Dir != s.Dir {
		t.Errorf("Dir within one second: got %q, want %q", again.Dir, s.Dir)
	}
	if other := (Layout{User: "ubuntu"}).Settings(when, Spec{}); other.Dir != "/home/ubuntu/cps_settings/20240305060708" {
		t.Errorf("Dir for ubuntu: got %q", other.Dir)
	}
	if len(s.Uploads) != 0 {
		t.Errorf("Uploads: got %v, want none", s.Uploads)
	}
}

func TestSettingsScript(t *testing.T) {
	l := Layout{User: "pi"}
	s := l.Settings(when, Spec{UseActuator: true, Namespace: "robot"})

	want := strings.Join([]string{
		`trap "trap - SIGTERM && kill -- -$$" SIGINT SIGTERM EXIT`,
		"source /home/pi/.ros_rc && source /home/pi/catkin_ws/devel/setup.bash && " +
			"roslaunch /home/pi/cps_rpi/launch/run_robot.launch " +
			"dynamixel_settings:=/home/pi/cps_settings/latest_settings/config.yaml " +
			"controller_settings:=/home/pi/cps_settings/latest_settings/controller_config.yaml " +
			"namespace:=robot " +
			"sensor_config_path:=/home/pi/cps_settings/latest_settings/all_sensor.yaml " +
			"use_dynamixel:=true use_sensor:=false use_camera:=false &",
		"wait",
		"",
	}, "\n")
	if s.Script != want {
		t.Errorf("Script:\ngot  %q\nwant %q", s.Script, want)
	}

	for _, frag := range []string{
		`bash -lc "mkdir -p /home/pi/cps_settings/20240305060708 && `,
		`rm -f /home/pi/cps_settings/latest_settings && `,
		`ln -s /home/pi/cps_settings/20240305060708 /home/pi/cps_settings/latest_settings && `,
		`echo -e 'trap \"trap - SIGTERM && kill -- -\$\$\" SIGINT SIGTERM EXIT\n`,
		`use_dynamixel:=true use_sensor:=false use_camera:=false &\nwait\n' > /home/pi/cps_settings/20240305060708/run_robot.sh"`,
	} {
		if !strings.Contains(s.Command, frag) {
			t.Errorf("Command %q does not contain %q", s.Command, frag)
		}
	}
}

func TestSettingsUploads(t *testing.T) {
	l := Layout{User: "pi"}
	s := l.Settings(when, Spec{
		SensorConfig:     "local/sensors.yaml",
		ControllerConfig: "ctl.yaml",
		Files:            []string{"a/b/extra.txt", `c:\x\win.yaml`},
	})
	d := "/home/pi/cps_settings/20240305060708"
	want := []Upload{
		{"local/sensors.yaml", d + "/all_sensor.yaml"},
		{"ctl.yaml", d + "/controller_config.yaml"},
		{"a/b/extra.txt", d + "/extra.txt"},
		{`c:\x\win.yaml`, d + "/win.yaml"},
	}
	if !reflect.DeepEqual(s.Uploads, want) {
		t.Errorf("Uploads: got %v, want %v", s.Uploads, want)
	}
}

func TestSingleCommands(t *testing.T) {
	l := Layout{User: "pi"}
	src := "source /home/pi/.ros_rc && source /home/pi/catkin_ws/devel/setup.bash"
	if got, want := l.SensorCommand("robot", TmpSensorConfig),
		`bash -lc "`+src+` && roslaunch sensor_pi sensor_pi.launch config_path:=/tmp/all_sensor.yaml namespace:=robot"`; got != want {
		t.Errorf("SensorCommand:\ngot  %q\nwant %q", got, want)
	}
	if got, want := l.DynamixelCommand("robot", TmpDynamixelConfig, TmpControllerConfig),
		`bash -lc "`+src+` && roslaunch dynamixel_irsl controllers.launch dynamixel_settings:=/tmp/config.yaml controller_settings:=/tmp/controller_config.yaml namespace:=robot"`; got != want {
		t.Errorf("DynamixelCommand:\ngot  %q\nwant %q", got, want)
	}
}

// TestSettingsCommandRuns runs the generated command through a local
// shell, the way sshd would, and checks what it leaves behind.
func TestSettingsCommandRuns(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skipf("no bash: %v", err)
	}
	for _, tt := range []struct {
		name string
		home string
		ns   string
	}{
		{name: "plain", home: "pi", ns: "r1"},
		{name: "quotedname", home: "pi", ns: "r'1"},
		{name: "quotedhome", home: "pi's home", ns: "o'brien"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), tt.home)
			l := Layout{User: "pi", Home: home}

			var last Settings
			for i, tm := range []time.Time{when, when.Add(time.Minute)} {
				last = l.Settings(tm, Spec{UseSensor: true, Namespace: tt.ns})
				c := exec.Command("sh", "-c", last.Command)
				c.Env = append(os.Environ(), "HOME="+home)
				if out, err := c.CombinedOutput(); err != nil {
					t.Fatalf("run %d: %v: %s", i, err, out)
				}
			}

			b, err := os.ReadFile(filepath.Join(last.Dir, "run_robot.sh"))
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != last.Script+"\n" {
				t.Errorf("run_robot.sh:\ngot  %q\nwant %q", string(b), last.Script+"\n")
			}
			if !strings.Contains(string(b), "namespace:="+tt.ns+" ") {
				t.Errorf("run_robot.sh lost namespace %q: %q", tt.ns, b)
			}
			target, err := os.Readlink(last.Latest)
			if err != nil {
				t.Fatal(err)
			}
			if target != last.Dir {
				t.Errorf("latest_settings -> %q, want %q", target, last.Dir)
			}
		})
	}
}
