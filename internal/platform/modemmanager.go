package platform

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	ModemManagerService    = "org.freedesktop.ModemManager1"
	ModemManagerPath       = "/org/freedesktop/ModemManager1"
	ModemInterface         = "org.freedesktop.ModemManager1.Modem"
	ModemLocationIface     = "org.freedesktop.ModemManager1.Modem.Location"
	DBusPropertiesIface    = "org.freedesktop.DBus.Properties"
	DBusObjectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// Location sources that produce a position fix
const (
	MMModemLocationSourceGpsRaw       uint32 = 1 << 1
	MMModemLocationSourceGpsNmea      uint32 = 1 << 2
	MMModemLocationSourceGpsUnmanaged uint32 = 1 << 4

	gpsSources = MMModemLocationSourceGpsRaw | MMModemLocationSourceGpsNmea | MMModemLocationSourceGpsUnmanaged
)

// ModemManager answers whether the modem's GNSS location sources are switched
// on, which is the device-level "location services" toggle.
type ModemManager struct {
	conn *dbus.Conn
}

func NewModemManager() (*ModemManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	return &ModemManager{conn: conn}, nil
}

func (m *ModemManager) findModem() (dbus.ObjectPath, error) {
	obj := m.conn.Object(ModemManagerService, ModemManagerPath)

	var managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := obj.Call(DBusObjectManagerIface+".GetManagedObjects", 0).Store(&managedObjects)
	if err != nil {
		return "", errors.Wrap(err, "failed to get managed objects")
	}

	for path, interfaces := range managedObjects {
		if _, hasModem := interfaces[ModemInterface]; hasModem {
			return path, nil
		}
	}
	return "", errors.New("no modem found")
}

func (m *ModemManager) enabledSources(modemPath dbus.ObjectPath) (uint32, error) {
	obj := m.conn.Object(ModemManagerService, modemPath)

	var value dbus.Variant
	if err := obj.Call(DBusPropertiesIface+".Get", 0, ModemLocationIface, "Enabled").Store(&value); err != nil {
		return 0, errors.Wrapf(err, "failed to get property %s.Enabled", ModemLocationIface)
	}
	if enabled, ok := value.Value().(uint32); ok {
		return enabled, nil
	}
	return 0, errors.New("invalid enabled type")
}

// LocationEnabled reports whether any GNSS source is enabled on the first modem.
func (m *ModemManager) LocationEnabled() (bool, error) {
	path, err := m.findModem()
	if err != nil {
		return false, err
	}
	sources, err := m.enabledSources(path)
	if err != nil {
		return false, err
	}
	return sourcesProvideFix(sources), nil
}

func sourcesProvideFix(sources uint32) bool {
	return sources&gpsSources != 0
}
