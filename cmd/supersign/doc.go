// Command supersign signs iOS apps with a free developer account and installs them on
// a device.
//
//	supersign auth login -u user@example.com
//	supersign install --udid 00008030-000A1C2E0E88802E App.ipa
//	supersign anisette serve --adi-url http://adi.internal:6969
package main
