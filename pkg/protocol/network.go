package protocol

func (c *cursor) iface(i int) (NetworkInterface, int, error) {
	var nic NetworkInterface
	n, err := c.object(i, "interface", func(key string, k, v int) (int, error) {
		switch key {
		case "device":
			return c.setString(&nic.Device, v, "interface device")
		case "ipAddress":
			return c.setString(&nic.IPAddress, v, "interface ipAddress")
		case "netMask":
			return c.setString(&nic.NetMask, v, "interface netMask")
		default:
			return 0, c.unknown("interface", key)
		}
	})
	if err != nil {
		return NetworkInterface{}, 0, err
	}
	return nic, n, nil
}

func (c *cursor) route(i int) (Route, int, error) {
	var rt Route
	n, err := c.object(i, "route", func(key string, k, v int) (int, error) {
		switch key {
		case "dest":
			return c.setString(&rt.Dest, v, "route dest")
		case "gateway":
			return c.setString(&rt.Gateway, v, "route gateway")
		case "device":
			return c.setString(&rt.Device, v, "route device")
		default:
			return 0, c.unknown("route", key)
		}
	})
	if err != nil {
		return Route{}, 0, err
	}
	return rt, n, nil
}
