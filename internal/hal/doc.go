// Package hal provides raw access to the controller's hardware buses:
// I2C via the Linux i2c-dev character device and serial ports via
// termios. Sensor drivers consume these through small interfaces so
// tests can substitute fakes.
//
// The package is Linux-only; the controller runs embedded Linux.
package hal
