package event

// NotifyClass identifies the registry operation a notification is for.
// Values follow the host's pre-operation notify classes.
type NotifyClass uint32

const (
	RegDeleteKey NotifyClass = iota
	RegSetValue
	RegDeleteValue
	RegSetInformationKey
	RegRenameKey
	RegEnumerateKey
	RegEnumerateValueKey
	RegQueryKey
	RegQueryValueKey
	RegQueryMultipleValueKey
	RegCreateKey
	RegOpenKey
	RegKeyHandleClose
)

var notifyClassNames = map[NotifyClass]string{
	RegDeleteKey:             "delete_key",
	RegSetValue:              "set_value",
	RegDeleteValue:           "delete_value",
	RegSetInformationKey:     "set_information_key",
	RegRenameKey:             "rename_key",
	RegEnumerateKey:          "enumerate_key",
	RegEnumerateValueKey:     "enumerate_value_key",
	RegQueryKey:              "query_key",
	RegQueryValueKey:         "query_value_key",
	RegQueryMultipleValueKey: "query_multiple_value_key",
	RegCreateKey:             "create_key",
	RegOpenKey:               "open_key",
	RegKeyHandleClose:        "key_handle_close",
}

func (c NotifyClass) String() string {
	if name, ok := notifyClassNames[c]; ok {
		return name
	}
	return "unknown"
}

// Allowed reports whether notifications of class c are recorded. Only
// value mutations pass.
func Allowed(c NotifyClass) bool {
	return c == RegSetValue || c == RegDeleteValue
}
