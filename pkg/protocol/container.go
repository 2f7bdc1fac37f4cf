package protocol

import (
	"fmt"
	"hyperstart/pkg/jsmn"
)

// container decodes one container object. The container is only returned
// when every field decoded; on failure the partially filled value is
// dropped.
func (c *cursor) container(i int) (*Container, int, error) {
	ct := &Container{Process: Process{Init: true}}

	n, err := c.object(i, "container", func(key string, k, v int) (int, error) {
		switch key {
		case "id":
			n, err := c.setString(&ct.ID, v, "container id")
			ct.Process.ContainerID = ct.ID
			return n, err
		case "cmd":
			argv, n, err := c.strings(v, "cmd")
			if err != nil {
				return 0, err
			}
			ct.Process.Argv = argv
			return n, nil
		case "rootfs":
			return c.setString(&ct.Rootfs, v, "rootfs")
		case "tty":
			return c.setUint(&ct.Process.Seq, v, 64, "tty")
		case "stderr":
			return c.setUint(&ct.Process.ErrSeq, v, 64, "stderr")
		case "workdir":
			return c.setString(&ct.Workdir, v, "workdir")
		case "image":
			return c.setString(&ct.Image, v, "image")
		case "addr":
			return c.setString(&ct.SCSIAddr, v, "addr")
		case "fstype":
			return c.setString(&ct.Fstype, v, "fstype")
		case "volumes":
			vols, n, err := decodeArray(c, v, "volumes", c.volume)
			if err != nil {
				return 0, err
			}
			ct.Volumes = vols
			return n, nil
		case "fsmap":
			maps, n, err := decodeArray(c, v, "fsmap", c.fsmap)
			if err != nil {
				return 0, err
			}
			ct.FsMap = maps
			return n, nil
		case "envs":
			envs, n, err := decodeArray(c, v, "envs", c.env)
			if err != nil {
				return 0, err
			}
			ct.Envs = envs
			return n, nil
		case "sysctl":
			sys, n, err := c.sysctls(v)
			if err != nil {
				return 0, err
			}
			ct.Sysctls = sys
			return n, nil
		case "restartPolicy":
			// Restart policy is a pod-level setting; the per-container
			// copy is accepted and ignored.
			_, err := c.scalar(v, "restartPolicy")
			return 1, err
		default:
			return 0, c.unknown("container", key)
		}
	})
	if err != nil {
		if ct.ID != "" {
			err = fmt.Errorf("container %s: %w", ct.ID, err)
		}
		return nil, 0, err
	}

	return ct, n, nil
}

func (c *cursor) volume(i int) (Volume, int, error) {
	var vol Volume
	n, err := c.object(i, "volume", func(key string, k, v int) (int, error) {
		switch key {
		case "device":
			return c.setString(&vol.Device, v, "volume device")
		case "addr":
			return c.setString(&vol.SCSIAddr, v, "volume addr")
		case "mount":
			return c.setString(&vol.Mountpoint, v, "volume mount")
		case "fstype":
			return c.setString(&vol.Fstype, v, "volume fstype")
		case "readOnly":
			return c.setReadOnly(&vol.ReadOnly, v, "volume readOnly")
		default:
			return 0, c.unknown("volume", key)
		}
	})
	if err != nil {
		return Volume{}, 0, err
	}
	return vol, n, nil
}

func (c *cursor) fsmap(i int) (FsMapEntry, int, error) {
	var m FsMapEntry
	n, err := c.object(i, "fsmap", func(key string, k, v int) (int, error) {
		switch key {
		case "source":
			return c.setString(&m.Source, v, "fsmap source")
		case "path":
			return c.setString(&m.Path, v, "fsmap path")
		case "readOnly":
			return c.setReadOnly(&m.ReadOnly, v, "fsmap readOnly")
		default:
			return 0, c.unknown("fsmap", key)
		}
	})
	if err != nil {
		return FsMapEntry{}, 0, err
	}
	return m, n, nil
}

func (c *cursor) env(i int) (EnvEntry, int, error) {
	var (
		e                 EnvEntry
		hasName, hasValue bool
	)
	n, err := c.object(i, "env", func(key string, k, v int) (int, error) {
		switch key {
		case "env":
			hasName = true
			return c.setString(&e.Name, v, "env name")
		case "value":
			hasValue = true
			return c.setString(&e.Value, v, "env value")
		default:
			return 0, c.unknown("env", key)
		}
	})
	if err != nil {
		return EnvEntry{}, 0, err
	}
	if !hasName {
		return EnvEntry{}, 0, fmt.Errorf("%w: env", ErrMissingField)
	}
	if !hasValue {
		return EnvEntry{}, 0, fmt.Errorf("%w: value of env %s", ErrMissingField, e.Name)
	}
	return e, n, nil
}

// sysctls decodes the sysctl object, whose keys are parameter names in
// dotted form. Each key is rewritten to its /proc/sys path form after
// decoding.
func (c *cursor) sysctls(i int) ([]SysctlEntry, int, error) {
	t, err := c.expect(i, jsmn.Object, "sysctl")
	if err != nil {
		return nil, 0, err
	}

	out := make([]SysctlEntry, 0, t.Size)
	n, err := c.object(i, "sysctl", func(_ string, k, v int) (int, error) {
		key, _, err := c.bytes(k, "sysctl key")
		if err != nil {
			return 0, err
		}
		for j := range key {
			if key[j] == '.' {
				key[j] = '/'
			}
		}
		value, n, err := c.str(v, "sysctl "+string(key))
		if err != nil {
			return 0, err
		}
		out = append(out, SysctlEntry{Key: string(key), Value: value})
		return n, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, n, nil
}
