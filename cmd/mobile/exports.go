// Package main is the C ABI of the sync core for the mobile host app.
// Build with -buildmode=c-shared; strings cross the boundary as JSON.
// Functions returning *C.char return NULL on failure, and AUGetLastError
// then describes the error. Returned strings must be released with
// AUFreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	instance core
	lastErr  string
	lastMu   sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = errorJSON(err)
}

// status converts an error into the 0/-1 return convention.
func status(err error) C.int {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

// result converts a JSON result into a C string, or NULL on error.
func result(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

//export AUInit
func AUInit(configJSON *C.char) C.int {
	return status(instance.open(C.GoString(configJSON)))
}

//export AUClose
func AUClose() C.int {
	return status(instance.close())
}

//export AUSetNetworkStatus
func AUSetNetworkStatus(statusJSON *C.char) C.int {
	return status(instance.setNetwork(C.GoString(statusJSON)))
}

//export AULogin
func AULogin(credentialsJSON *C.char) *C.char {
	return result(instance.login(C.GoString(credentialsJSON)))
}

//export AULogout
func AULogout() C.int {
	return status(instance.logout())
}

//export AURecord
func AURecord(entityType, recordJSON *C.char) *C.char {
	return result(instance.record(C.GoString(entityType), C.GoString(recordJSON)))
}

//export AURemove
func AURemove(entityType, id *C.char) *C.char {
	return result(instance.remove(C.GoString(entityType), C.GoString(id)))
}

//export AUSync
func AUSync(entityType *C.char) *C.char {
	return result(instance.sync(C.GoString(entityType)))
}

//export AUStatus
func AUStatus() *C.char {
	return result(instance.status())
}

// AUGetLastError returns the error of the last failed call as JSON
// ({"code": ..., "message": ...}), or an empty string.
//
//export AUGetLastError
func AUGetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export AUFreeString
func AUFreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Required for c-shared build mode; never run.
}
