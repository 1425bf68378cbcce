package find

import "testing"

func TestParseDescriptors(t *testing.T) {
	blob := "Ethernet$192.168.0.18$192.168.0.1$255.255.255.0$00:11:22:33:44:55$SP-300 #1234$SP-300$1234$lab-sp300%USB$0$$$$$SP-150$0042$%\x00\x00"
	devs, err := ParseDescriptors(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want 2", len(devs))
	}
	eth := devs[0]
	if eth.Connection != Ethernet || eth.Address != "192.168.0.18" {
		t.Errorf("ethernet device = %+v", eth)
	}
	if eth.Kind != "SP-300" || eth.Serial != "1234" || eth.MAC != "00:11:22:33:44:55" {
		t.Errorf("ethernet descriptors = %+v", eth)
	}
	usb := devs[1]
	if usb.Connection != USB || usb.Address != "0" || usb.Kind != "SP-150" {
		t.Errorf("usb device = %+v", usb)
	}
}

func TestParseDescriptorsRejectsJunk(t *testing.T) {
	if _, err := ParseDescriptors("serial$1$2$3$4$5$6$7$8"); err == nil {
		t.Error("unknown connection type accepted")
	}
	if _, err := ParseDescriptors("loneword"); err == nil {
		t.Error("descriptor with no fields accepted")
	}
}

func TestParseDescriptorsEmpty(t *testing.T) {
	devs, err := ParseDescriptors("\x00\x00\x00")
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 0 {
		t.Errorf("got %d devices from padding, want 0", len(devs))
	}
}

func TestConnectionString(t *testing.T) {
	u := Device{Connection: USB, Address: "1"}
	if got := u.ConnectionString(); got != "USB1" {
		t.Errorf("usb connection string = %q", got)
	}
	e := Device{Connection: Ethernet, Address: "10.0.0.5"}
	if got := e.ConnectionString(); got != "10.0.0.5" {
		t.Errorf("ethernet connection string = %q", got)
	}
}
