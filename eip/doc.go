// Package eip binds the fieldbus engine to EtherNet/IP explicit messaging with CIP.
//
// Tags of Logix controllers are read and written with the unconnected Read Tag and
// Write Tag services, tunnelled through SendRRData encapsulation frames. Several tags in
// one operation travel in a single Multiple Service Packet.
//
//	conn, err := fieldbus.NewConnection(ctx, "eip://10.0.0.5", eip.NewDriver())
//	if err != nil {
//		return err
//	}
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	fut, err := conn.Read(fieldbus.TagRequest{Name: "speed", Address: "Motor.Speed:REAL"})
package eip
