package systemd

func unitStateFromProps(unit string, props map[string]interface{}) UnitState {
	st := UnitState{Unit: unit}
	st.Active, _ = stringProperty(props, "ActiveState")
	st.Sub, _ = stringProperty(props, "SubState")
	st.Load, _ = stringProperty(props, "LoadState")
	st.Description, _ = stringProperty(props, "Description")
	return st
}

func stringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}
